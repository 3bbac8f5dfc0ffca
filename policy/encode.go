package policy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
)

// Canonical wire encoding, shared with the on-chain policy decoder:
//
//	version byte (0x01)
//	uint16 rule count, big-endian
//	per rule: type tag byte, uint32 body length, body
//	operator tag byte (0 = AND, 1 = OR)
//
// Two policies are semantically identical iff their encodings are
// byte-identical; the policy id is keccak256 over these bytes.

const encodingVersion = 0x01

// Type tags are part of the wire contract and must not be renumbered.
const (
	tagRateLimit         = 0x01
	tagTimeWindow        = 0x02
	tagContractAllowlist = 0x03
	tagFunctionAllowlist = 0x04
	tagSpendingLimit     = 0x05
)

func ruleTag(t RuleType) byte {
	switch t {
	case RuleTypeRateLimit:
		return tagRateLimit
	case RuleTypeTimeWindow:
		return tagTimeWindow
	case RuleTypeContractAllowlist:
		return tagContractAllowlist
	case RuleTypeFunctionAllowlist:
		return tagFunctionAllowlist
	case RuleTypeSpendingLimit:
		return tagSpendingLimit
	}
	panic(fmt.Sprintf("unknown rule type %q", t))
}

func encodeRules(rules []Rule, operator Operator) []byte {
	var buf bytes.Buffer
	buf.WriteByte(encodingVersion)
	writeUint16(&buf, uint16(len(rules)))
	for _, r := range rules {
		var body bytes.Buffer
		r.encodeBody(&body)
		buf.WriteByte(ruleTag(r.Type()))
		writeUint32(&buf, uint32(body.Len()))
		buf.Write(body.Bytes())
	}
	buf.WriteByte(byte(operator))
	return buf.Bytes()
}

// Decode recovers the rule list and operator from a canonical encoding. It is
// a total inverse of the encoder: every encoding produced by Compose decodes
// to an equal policy.
func Decode(encoded []byte) ([]Rule, Operator, error) {
	r := &reader{data: encoded}
	version, err := r.byte()
	if err != nil {
		return nil, 0, err
	}
	if version != encodingVersion {
		return nil, 0, validationErr("encoding", "unsupported encoding version %d", version)
	}
	count, err := r.uint16()
	if err != nil {
		return nil, 0, err
	}
	rules := make([]Rule, 0, count)
	for i := 0; i < int(count); i++ {
		tag, err := r.byte()
		if err != nil {
			return nil, 0, err
		}
		length, err := r.uint32()
		if err != nil {
			return nil, 0, err
		}
		body, err := r.take(int(length))
		if err != nil {
			return nil, 0, err
		}
		rule, err := decodeRuleBody(tag, body)
		if err != nil {
			return nil, 0, err
		}
		rules = append(rules, rule)
	}
	opByte, err := r.byte()
	if err != nil {
		return nil, 0, err
	}
	operator := Operator(opByte)
	if !operator.valid() {
		return nil, 0, validationErr("operator", "invalid operator tag %d", opByte)
	}
	if r.remaining() != 0 {
		return nil, 0, validationErr("encoding", "trailing bytes after operator tag")
	}
	return rules, operator, nil
}

// DecodePolicy decodes a canonical encoding back into a Policy.
func DecodePolicy(encoded []byte) (*Policy, error) {
	rules, operator, err := Decode(encoded)
	if err != nil {
		return nil, err
	}
	return Compose(rules, operator)
}

func decodeRuleBody(tag byte, body []byte) (Rule, error) {
	r := &reader{data: body}
	switch tag {
	case tagRateLimit:
		maxCalls, err := r.uint32()
		if err != nil {
			return nil, err
		}
		interval, err := r.uint32()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return NewRateLimit(maxCalls, interval)

	case tagTimeWindow:
		after, err := r.int64()
		if err != nil {
			return nil, err
		}
		until, err := r.int64()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return NewTimeWindow(after, until)

	case tagContractAllowlist:
		count, err := r.uint16()
		if err != nil {
			return nil, err
		}
		addrs := make([]string, 0, count)
		for i := 0; i < int(count); i++ {
			raw, err := r.take(20)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, fmt.Sprintf("0x%x", raw))
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return NewContractAllowlist(addrs)

	case tagFunctionAllowlist:
		contract, err := r.take(20)
		if err != nil {
			return nil, err
		}
		count, err := r.uint16()
		if err != nil {
			return nil, err
		}
		sels := make([]string, 0, count)
		for i := 0; i < int(count); i++ {
			raw, err := r.take(4)
			if err != nil {
				return nil, err
			}
			sels = append(sels, fmt.Sprintf("0x%x", raw))
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return NewFunctionAllowlist(fmt.Sprintf("0x%x", contract), sels)

	case tagSpendingLimit:
		token, err := r.take(20)
		if err != nil {
			return nil, err
		}
		perTx, err := r.uint256()
		if err != nil {
			return nil, err
		}
		daily, err := r.uint256()
		if err != nil {
			return nil, err
		}
		weekly, err := r.uint256()
		if err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return NewSpendingLimit(fmt.Sprintf("0x%x", token), perTx, daily, weekly)

	default:
		return nil, validationErr("encoding", "unknown rule tag %d", tag)
	}
}

// Per-rule body encoders.

func (r *RateLimitRule) encodeBody(buf *bytes.Buffer) {
	writeUint32(buf, r.MaxCalls)
	writeUint32(buf, r.IntervalSeconds)
}

func (r *TimeWindowRule) encodeBody(buf *bytes.Buffer) {
	writeInt64(buf, r.ValidAfter)
	writeInt64(buf, r.ValidUntil)
}

func (r *ContractAllowlistRule) encodeBody(buf *bytes.Buffer) {
	writeUint16(buf, uint16(len(r.Addresses)))
	for _, a := range r.Addresses {
		buf.Write(a[:])
	}
}

func (r *FunctionAllowlistRule) encodeBody(buf *bytes.Buffer) {
	buf.Write(r.Contract[:])
	writeUint16(buf, uint16(len(r.Selectors)))
	for _, s := range r.Selectors {
		buf.Write(s[:])
	}
}

func (r *SpendingLimitRule) encodeBody(buf *bytes.Buffer) {
	buf.Write(r.Token[:])
	var word [32]byte
	r.MaxPerTransaction.FillBytes(word[:])
	buf.Write(word[:])
	r.MaxDaily.FillBytes(word[:])
	buf.Write(word[:])
	r.MaxWeekly.FillBytes(word[:])
	buf.Write(word[:])
}

// reader is a bounds-checked cursor over encoded bytes.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) take(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, validationErr("encoding", "truncated encoding: need %d bytes, have %d", n, r.remaining())
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return validationErr("encoding", "trailing bytes in rule body")
	}
	return nil
}

func (r *reader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *reader) uint256() (string, error) {
	b, err := r.take(32)
	if err != nil {
		return "", err
	}
	return new(big.Int).SetBytes(b).String(), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
