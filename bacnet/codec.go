package bacnet

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeError indicates an application-tagged payload could not be turned
// into a host value.
type DecodeError string

func (e DecodeError) Error() string { return "bacnet: decode: " + string(e) }

// EncodeError indicates a host value could not be encoded for a write.
type EncodeError string

func (e EncodeError) Error() string { return "bacnet: encode: " + string(e) }

// Tag is one application tag of a tagged payload.
type Tag struct {
	Number byte
	Data   []byte
}

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindUint
	KindInt
	KindFloat
	KindString
	KindEnum
)

// Value is the host-side representation of a BACnet application value.
// Exactly one payload field is meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Uint  uint64
	Int   int64
	Float float64
	Str   string
	Enum  uint32
}

func Null() Value                { return Value{Kind: KindNull} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func UintValue(u uint64) Value   { return Value{Kind: KindUint, Uint: u} }
func IntValue(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func EnumValue(e uint32) Value   { return Value{Kind: KindEnum, Enum: e} }

// IsNull reports whether v carries no value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Host returns the plain Go value: nil, bool, int64, uint64, float64, or
// string. Enumerated values surface as uint64.
func (v Value) Host() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindUint:
		return v.Uint
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindString:
		return v.Str
	case KindEnum:
		return uint64(v.Enum)
	default:
		return nil
	}
}

// Finite reports whether v is safe to publish as a number. Only float
// readings can be non-finite.
func (v Value) Finite() bool {
	if v.Kind == KindFloat {
		return !math.IsNaN(v.Float) && !math.IsInf(v.Float, 0)
	}
	return true
}

// Float64 returns the value as a float64 when it is numeric.
func (v Value) Float64() (float64, bool) {
	switch v.Kind {
	case KindUint:
		return float64(v.Uint), true
	case KindInt:
		return float64(v.Int), true
	case KindFloat:
		return v.Float, true
	case KindEnum:
		return float64(v.Enum), true
	}
	return 0, false
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindUint:
		return strconv.FormatUint(v.Uint, 10)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindEnum:
		return strconv.FormatUint(uint64(v.Enum), 10)
	}
	return ""
}

// MarshalJSON emits the host value. Non-finite floats become null so the
// payload stays valid JSON; the caller downgrades quality separately.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == KindFloat && (math.IsNaN(v.Float) || math.IsInf(v.Float, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Host())
}

// UnmarshalJSON recovers a Value from its host JSON form. Integer numbers
// decode as unsigned or signed, everything else numeric as a float.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Null()
	case bool:
		*v = BoolValue(x)
	case json.Number:
		if u, err := strconv.ParseUint(x.String(), 10, 64); err == nil {
			*v = UintValue(u)
		} else if i, err := strconv.ParseInt(x.String(), 10, 64); err == nil {
			*v = IntValue(i)
		} else {
			f, err := x.Float64()
			if err != nil {
				return DecodeError("bad JSON number " + x.String())
			}
			*v = FloatValue(f)
		}
	case string:
		*v = StringValue(x)
	default:
		return DecodeError("unsupported JSON value")
	}
	return nil
}

// DecodeTags decodes an application-tagged payload. The first tag carrying
// non-empty data determines the value.
func DecodeTags(tags []Tag) (Value, error) {
	if len(tags) == 0 {
		return Value{}, DecodeError("empty tag")
	}
	tag := tags[0]
	for _, t := range tags {
		if len(t.Data) > 0 {
			tag = t
			break
		}
	}
	if len(tag.Data) == 0 {
		return Value{}, DecodeError("empty tag")
	}
	switch tag.Number {
	case 1: // Boolean
		return BoolValue(tag.Data[0] != 0), nil
	case 2: // Unsigned
		return UintValue(beUint(tag.Data)), nil
	case 3: // Signed
		return IntValue(beInt(tag.Data)), nil
	case 4: // Real
		if len(tag.Data) != 4 {
			return Value{}, DecodeError(fmt.Sprintf("real wants 4 bytes, got %d", len(tag.Data)))
		}
		return FloatValue(float64(math.Float32frombits(binary.BigEndian.Uint32(tag.Data)))), nil
	case 5: // Double
		if len(tag.Data) != 8 {
			return Value{}, DecodeError(fmt.Sprintf("double wants 8 bytes, got %d", len(tag.Data)))
		}
		return FloatValue(math.Float64frombits(binary.BigEndian.Uint64(tag.Data))), nil
	case 7: // CharacterString
		return StringValue(string(tag.Data)), nil
	case 9: // Enumerated
		return EnumValue(uint32(beUint(tag.Data))), nil
	default:
		return Value{}, DecodeError(fmt.Sprintf("unknown tag %d", tag.Number))
	}
}

// DecodeString recovers a host value from a stringified reading, used when
// the underlying stack has already rendered the value. Opaque object
// representations are refused so they never reach a publish path.
func DecodeString(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "object at") {
		return Value{}, DecodeError("opaque object representation")
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return FloatValue(f), nil
		}
	} else if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return IntValue(i), nil
	}
	if len(s) >= 100 {
		return Value{}, DecodeError("string too long")
	}
	return StringValue(s), nil
}

func beUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beInt(b []byte) int64 {
	switch len(b) {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b)))
	}
	v := beUint(b)
	if len(b) > 0 && b[0]&0x80 != 0 && len(b) < 8 {
		v |= ^uint64(0) << (8 * len(b))
	}
	return int64(v)
}

// EncodeWrite maps a host value onto the wire type the object family
// expects: analog objects take Real, binary and multi-state objects take
// Unsigned, and release writes Null to erase the previous value.
func EncodeWrite(objType ObjectType, value any, release bool) (Value, error) {
	if release {
		return Null(), nil
	}
	switch {
	case objType.IsBinary():
		active, err := toBool(value)
		if err != nil {
			return Value{}, err
		}
		if active {
			return UintValue(1), nil
		}
		return UintValue(0), nil
	case objType.IsMultiState():
		f, err := toFloat(value)
		if err != nil {
			return Value{}, err
		}
		if f < 0 {
			return Value{}, EncodeError(fmt.Sprintf("multi-state state %v out of range", value))
		}
		return UintValue(uint64(f)), nil
	default:
		// Analog objects, and anything unrecognized, write Real.
		f, err := toFloat(value)
		if err != nil {
			return Value{}, err
		}
		return FloatValue(f), nil
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, EncodeError(fmt.Sprintf("cannot convert %q to number", x))
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, EncodeError(fmt.Sprintf("cannot convert %T to number", v))
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(x) {
		case "true", "active", "on", "1":
			return true, nil
		case "false", "inactive", "off", "0":
			return false, nil
		}
		return false, EncodeError(fmt.Sprintf("cannot convert %q to binary state", x))
	}
	f, err := toFloat(v)
	if err != nil {
		return false, err
	}
	return f != 0, nil
}

// appendApplicationValue appends the application-tagged encoding of v.
func appendApplicationValue(b []byte, v Value) []byte {
	switch v.Kind {
	case KindNull:
		return append(b, 0x00) // Null, tag 0, length 0
	case KindBool:
		if v.Bool {
			return append(b, 0x11)
		}
		return append(b, 0x10)
	case KindUint:
		data := minimalUint(v.Uint)
		b = append(b, 0x20|byte(len(data)))
		return append(b, data...)
	case KindInt:
		data := minimalInt(v.Int)
		b = append(b, 0x30|byte(len(data)))
		return append(b, data...)
	case KindFloat:
		b = append(b, 0x44)
		return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v.Float)))
	case KindString:
		// Length includes the encoding octet (0 = UTF-8).
		n := len(v.Str) + 1
		if n < 5 {
			b = append(b, 0x70|byte(n))
		} else if n < 254 {
			b = append(b, 0x75, byte(n))
		} else {
			b = append(b, 0x75, 254)
			b = binary.BigEndian.AppendUint16(b, uint16(n))
		}
		b = append(b, 0x00)
		return append(b, v.Str...)
	case KindEnum:
		data := minimalUint(uint64(v.Enum))
		b = append(b, 0x90|byte(len(data)))
		return append(b, data...)
	}
	return b
}

func minimalUint(u uint64) []byte {
	if u == 0 {
		return []byte{0}
	}
	var data []byte
	for v := u; v > 0; v >>= 8 {
		data = append([]byte{byte(v)}, data...)
	}
	return data
}

func minimalInt(i int64) []byte {
	switch {
	case i >= math.MinInt8 && i <= math.MaxInt8:
		return []byte{byte(int8(i))}
	case i >= math.MinInt16 && i <= math.MaxInt16:
		return binary.BigEndian.AppendUint16(nil, uint16(int16(i)))
	default:
		return binary.BigEndian.AppendUint32(nil, uint32(int32(i)))
	}
}
