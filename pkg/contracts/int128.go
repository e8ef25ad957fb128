package contracts

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/bits"
)

// ErrInt128Range is returned when a value does not fit in a signed 128-bit integer.
var ErrInt128Range = errors.New("value out of int128 range")

// Int128 is a signed 128-bit two's complement integer. Hi carries the sign.
// On the wire it is a signed decimal string.
type Int128 struct {
	Hi int64
	Lo uint64
}

var (
	two128    = new(big.Int).Lsh(big.NewInt(1), 128)
	maxInt128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minInt128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// Int128FromInt64 sign-extends v.
func Int128FromInt64(v int64) Int128 {
	var hi int64
	if v < 0 {
		hi = -1
	}
	return Int128{Hi: hi, Lo: uint64(v)}
}

// Int128FromBig converts b, failing with ErrInt128Range when it does not fit.
func Int128FromBig(b *big.Int) (Int128, error) {
	if b.Cmp(maxInt128) > 0 || b.Cmp(minInt128) < 0 {
		return Int128{}, ErrInt128Range
	}
	v := new(big.Int).Set(b)
	if v.Sign() < 0 {
		v.Add(v, two128)
	}
	var buf [16]byte
	v.FillBytes(buf[:])
	return Int128FromBytes(buf), nil
}

// Int128FromBytes decodes a 16-byte big-endian two's complement value.
func Int128FromBytes(b [16]byte) Int128 {
	return Int128{
		Hi: int64(binary.BigEndian.Uint64(b[:8])),
		Lo: binary.BigEndian.Uint64(b[8:]),
	}
}

// ParseInt128 parses a signed decimal string. Only an optional leading '-'
// followed by ASCII digits is accepted.
func ParseInt128(s string) (Int128, error) {
	digits := s
	if len(digits) > 0 && digits[0] == '-' {
		digits = digits[1:]
	}
	if digits == "" {
		return Int128{}, fmt.Errorf("invalid int128 %q: empty", s)
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return Int128{}, fmt.Errorf("invalid int128 %q: not a decimal integer", s)
		}
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Int128{}, fmt.Errorf("invalid int128 %q", s)
	}
	v, err := Int128FromBig(b)
	if err != nil {
		return Int128{}, fmt.Errorf("invalid int128 %q: %w", s, err)
	}
	return v, nil
}

// MustInt128 is ParseInt128 for constants; it panics on malformed input.
func MustInt128(s string) Int128 {
	v, err := ParseInt128(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Bytes returns the 16-byte big-endian two's complement encoding.
func (x Int128) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(x.Hi))
	binary.BigEndian.PutUint64(b[8:], x.Lo)
	return b
}

func (x Int128) Big() *big.Int {
	b := x.Bytes()
	v := new(big.Int).SetBytes(b[:])
	if x.Hi < 0 {
		v.Sub(v, two128)
	}
	return v
}

func (x Int128) Sign() int {
	switch {
	case x.Hi < 0:
		return -1
	case x.Hi == 0 && x.Lo == 0:
		return 0
	default:
		return 1
	}
}

func (x Int128) IsZero() bool { return x.Hi == 0 && x.Lo == 0 }

func (x Int128) Cmp(y Int128) int {
	switch {
	case x.Hi < y.Hi:
		return -1
	case x.Hi > y.Hi:
		return 1
	case x.Lo < y.Lo:
		return -1
	case x.Lo > y.Lo:
		return 1
	default:
		return 0
	}
}

// Add returns x+y, or ErrInt128Range on signed overflow.
func (x Int128) Add(y Int128) (Int128, error) {
	lo, carry := bits.Add64(x.Lo, y.Lo, 0)
	hiU, _ := bits.Add64(uint64(x.Hi), uint64(y.Hi), carry)
	hi := int64(hiU)
	if (x.Hi >= 0) == (y.Hi >= 0) && (hi >= 0) != (x.Hi >= 0) {
		return Int128{}, ErrInt128Range
	}
	return Int128{Hi: hi, Lo: lo}, nil
}

func (x Int128) String() string { return x.Big().String() }

func (x Int128) MarshalJSON() ([]byte, error) {
	return json.Marshal(x.String())
}

// UnmarshalJSON accepts the canonical decimal string and, for convenience,
// a bare JSON integer.
func (x *Int128) UnmarshalJSON(b []byte) error {
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	v, err := ParseInt128(s)
	if err != nil {
		return err
	}
	*x = v
	return nil
}

func (x Int128) MarshalText() ([]byte, error) { return []byte(x.String()), nil }

func (x *Int128) UnmarshalText(b []byte) error {
	v, err := ParseInt128(string(b))
	if err != nil {
		return err
	}
	*x = v
	return nil
}
