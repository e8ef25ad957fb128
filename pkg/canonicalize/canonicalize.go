// Package canonicalize reduces semantically typed data to a unique byte string
// and hashes it.
//
// Rules:
//  1. Non-finite numbers, functions, channels, complex numbers and cycles are rejected.
//  2. Object keys are sorted by UTF-8 byte order, recursively.
//  3. Array order is preserved.
//  4. Integers are written exactly, never through float64, never in exponent form.
//  5. Strings (and keys) are normalized to Unicode NFC.
//  6. Output is compact JSON with RFC 8785 string escaping.
package canonicalize

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/ubl/pkg/contracts"
)

// maxDepth bounds nesting so hostile input cannot exhaust the stack.
const maxDepth = 512

var (
	jsonNumberType    = reflect.TypeOf(json.Number(""))
	bigIntType        = reflect.TypeOf(big.Int{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
	rawMessageType    = reflect.TypeOf(json.RawMessage(nil))
)

// Canonicalize returns the canonical bytes of v.
//
// Accepted values: nil, bool, strings, every Go integer and float kind,
// json.Number, *big.Int, slices and arrays, maps with string keys, structs
// (using encoding/json field tags), pointers and interfaces to those, and
// types implementing json.Marshaler or encoding.TextMarshaler.
func Canonicalize(v any) ([]byte, error) {
	e := &encoder{active: make(map[visitKey]struct{})}
	if err := e.value(reflect.ValueOf(v), "", 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

// FromJSON canonicalizes a JSON document. Numbers are read without loss.
func FromJSON(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, newError(contracts.KindInvalidEncoding, "", "input is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, newError(contracts.KindCanonicalizationFailure, "", "invalid JSON: %v", err)
	}
	if dec.More() {
		return nil, newError(contracts.KindCanonicalizationFailure, "", "trailing data after JSON value")
	}
	return Canonicalize(generic)
}

// String is Canonicalize returning a string.
func String(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type encoder struct {
	buf    bytes.Buffer
	active map[visitKey]struct{}
}

func (e *encoder) enter(v reflect.Value, path string) (func(), error) {
	k := visitKey{ptr: v.Pointer(), typ: v.Type()}
	if v.Kind() == reflect.Slice {
		k.len = v.Len()
	}
	if _, seen := e.active[k]; seen {
		return nil, newError(contracts.KindCanonicalizationFailure, path, "cyclic reference")
	}
	e.active[k] = struct{}{}
	return func() { delete(e.active, k) }, nil
}

func (e *encoder) value(v reflect.Value, path string, depth int) error {
	if depth > maxDepth {
		return newError(contracts.KindCanonicalizationFailure, path, "nesting deeper than %d", maxDepth)
	}
	if !v.IsValid() {
		e.buf.WriteString("null")
		return nil
	}
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		return e.value(v.Elem(), path, depth)
	}

	t := v.Type()
	switch {
	case t == jsonNumberType:
		return e.number(v.String(), path)
	case t == bigIntType:
		if !v.CanInterface() {
			return newError(contracts.KindInvalidType, path, "unexported big.Int")
		}
		if v.CanAddr() {
			b := v.Addr().Interface().(*big.Int)
			e.buf.WriteString(b.String())
			return nil
		}
		b := v.Interface().(big.Int)
		e.buf.WriteString(b.String())
		return nil
	case t == rawMessageType:
		return e.rawJSON(v.Bytes(), path, depth)
	}

	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if t.Elem() == bigIntType && v.CanInterface() {
			e.buf.WriteString(v.Interface().(*big.Int).String())
			return nil
		}
	}

	if v.CanInterface() && t.Implements(jsonMarshalerType) {
		raw, err := v.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return newError(contracts.KindCanonicalizationFailure, path, "MarshalJSON: %v", err)
		}
		return e.rawJSON(raw, path, depth)
	}
	if v.CanInterface() && t.Implements(textMarshalerType) {
		text, err := v.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return newError(contracts.KindCanonicalizationFailure, path, "MarshalText: %v", err)
		}
		return e.string(string(text), path)
	}

	switch v.Kind() {
	case reflect.Pointer:
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.value(v.Elem(), path, depth+1)

	case reflect.Bool:
		if v.Bool() {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.buf.WriteString(strconv.FormatInt(v.Int(), 10))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.buf.WriteString(strconv.FormatUint(v.Uint(), 10))
		return nil

	case reflect.Float32, reflect.Float64:
		return e.float(v.Float(), path)

	case reflect.String:
		return e.string(v.String(), path)

	case reflect.Slice:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			// Same convention as encoding/json.
			return e.string(base64.StdEncoding.EncodeToString(v.Bytes()), path)
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.array(v, path, depth)

	case reflect.Array:
		return e.array(v, path, depth)

	case reflect.Map:
		if v.IsNil() {
			e.buf.WriteString("null")
			return nil
		}
		if t.Key().Kind() != reflect.String {
			return newError(contracts.KindInvalidType, path, "map key type %s is not a string", t.Key())
		}
		leave, err := e.enter(v, path)
		if err != nil {
			return err
		}
		defer leave()
		return e.object(mapMembers(v), path, depth)

	case reflect.Struct:
		return e.object(structMembers(v), path, depth)

	default:
		// Func, Chan, Complex, UnsafePointer.
		return newError(contracts.KindInvalidType, path, "%s has no canonical form", t)
	}
}

func (e *encoder) array(v reflect.Value, path string, depth int) error {
	e.buf.WriteByte('[')
	for i := 0; i < v.Len(); i++ {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		if err := e.value(v.Index(i), path+"/"+strconv.Itoa(i), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte(']')
	return nil
}

type member struct {
	key   string
	value reflect.Value
}

func mapMembers(v reflect.Value) []member {
	out := make([]member, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out = append(out, member{key: iter.Key().String(), value: iter.Value()})
	}
	return out
}

func (e *encoder) object(members []member, path string, depth int) error {
	normalized := make([]member, 0, len(members))
	for _, m := range members {
		if !utf8.ValidString(m.key) {
			return newError(contracts.KindInvalidEncoding, path, "object key is not valid UTF-8")
		}
		normalized = append(normalized, member{key: norm.NFC.String(m.key), value: m.value})
	}
	sort.Slice(normalized, func(i, j int) bool { return normalized[i].key < normalized[j].key })
	for i := 1; i < len(normalized); i++ {
		if normalized[i].key == normalized[i-1].key {
			return newError(contracts.KindCanonicalizationFailure, path,
				"duplicate key %q after NFC normalization", normalized[i].key)
		}
	}

	e.buf.WriteByte('{')
	for i, m := range normalized {
		if i > 0 {
			e.buf.WriteByte(',')
		}
		writeString(&e.buf, m.key)
		e.buf.WriteByte(':')
		if err := e.value(m.value, path+"/"+escapePointer(m.key), depth+1); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

func (e *encoder) string(s, path string) error {
	if !utf8.ValidString(s) {
		return newError(contracts.KindInvalidEncoding, path, "string is not valid UTF-8")
	}
	writeString(&e.buf, norm.NFC.String(s))
	return nil
}

func (e *encoder) float(f float64, path string) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return newError(contracts.KindNonFiniteNumber, path, "%v is not a finite number", f)
	}
	e.buf.WriteString(formatFloat(f))
	return nil
}

// formatFloat writes integral values as exact integers and everything else in
// shortest round-trip positional notation. Negative zero is written as 0.
func formatFloat(f float64) string {
	if f == 0 {
		return "0"
	}
	if f == math.Trunc(f) {
		i, _ := big.NewFloat(f).Int(nil)
		return i.String()
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// number canonicalizes a JSON number literal. Integer literals of any size are
// kept exact. Literals with a fraction or exponent are floating-point values.
func (e *encoder) number(lit, path string) error {
	if lit == "" {
		return newError(contracts.KindCanonicalizationFailure, path, "empty number")
	}
	if isIntegerLiteral(lit) {
		i, ok := new(big.Int).SetString(lit, 10)
		if !ok {
			return newError(contracts.KindCanonicalizationFailure, path, "invalid integer %q", lit)
		}
		e.buf.WriteString(i.String())
		return nil
	}
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); ok && ne.Err == strconv.ErrRange {
			return newError(contracts.KindNonFiniteNumber, path, "%s overflows float64", lit)
		}
		return newError(contracts.KindCanonicalizationFailure, path, "invalid number %q", lit)
	}
	return e.float(f, path)
}

func isIntegerLiteral(s string) bool {
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (e *encoder) rawJSON(raw []byte, path string, depth int) error {
	if !utf8.Valid(raw) {
		return newError(contracts.KindInvalidEncoding, path, "marshaled JSON is not valid UTF-8")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return newError(contracts.KindCanonicalizationFailure, path, "invalid marshaled JSON: %v", err)
	}
	return e.value(reflect.ValueOf(generic), path, depth+1)
}

// writeString emits s as a JSON string using RFC 8785 escaping: only the
// quote, the backslash and control characters are escaped.
func writeString(buf *bytes.Buffer, s string) {
	const hexDigits = "0123456789abcdef"
	buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if c < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[c>>4])
				buf.WriteByte(hexDigits[c&0xf])
			} else {
				buf.WriteByte(c)
			}
		}
	}
	buf.WriteByte('"')
}

func escapePointer(k string) string {
	return strings.ReplaceAll(strings.ReplaceAll(k, "~", "~0"), "/", "~1")
}
