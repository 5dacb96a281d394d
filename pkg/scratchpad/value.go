package scratchpad

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind identifies the type held by a Value.
type Kind uint8

// Column value kinds.
const (
	KindInvalid Kind = iota
	KindNumber
	KindString
	KindBool
	KindAccumulator
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindAccumulator:
		return "accumulator"
	}
	return "invalid"
}

// Value is an immutable column value. Accumulators hold numeric samples and
// expose summary statistics.
type Value struct {
	kind Kind
	num  float64
	str  string
	b    bool
	acc  []float64
}

// Number wraps a float.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Accumulator wraps a copy of the samples.
func Accumulator(samples ...float64) Value {
	return Value{kind: KindAccumulator, acc: append([]float64(nil), samples...)}
}

// Kind returns the value kind.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether the value was constructed.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Float returns the numeric value. Accumulators report their mean.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindAccumulator:
		if len(v.acc) == 0 {
			return 0, false
		}
		return v.Mean(), true
	}
	return 0, false
}

// Text returns the string value.
func (v Value) Text() (string, bool) {
	return v.str, v.kind == KindString
}

// Truth returns the boolean value.
func (v Value) Truth() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Samples returns a copy of the accumulated samples.
func (v Value) Samples() []float64 {
	if v.kind != KindAccumulator {
		return nil
	}
	return append([]float64(nil), v.acc...)
}

// Add returns a new accumulator with sample appended.
func (v Value) Add(sample float64) Value {
	out := Value{kind: KindAccumulator, acc: make([]float64, 0, len(v.acc)+1)}
	out.acc = append(out.acc, v.acc...)
	out.acc = append(out.acc, sample)
	return out
}

// Count returns the number of accumulated samples.
func (v Value) Count() int { return len(v.acc) }

// Mean returns the arithmetic mean of the samples, NaN when empty.
func (v Value) Mean() float64 {
	if len(v.acc) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, s := range v.acc {
		sum += s
	}
	return sum / float64(len(v.acc))
}

// StdDev returns the sample standard deviation, NaN for fewer than two samples.
func (v Value) StdDev() float64 {
	if len(v.acc) < 2 {
		return math.NaN()
	}
	mean := v.Mean()
	var ss float64
	for _, s := range v.acc {
		ss += (s - mean) * (s - mean)
	}
	return math.Sqrt(ss / float64(len(v.acc)-1))
}

// Equal reports deep equality. NaN numbers compare equal to each other.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNumber:
		return v.num == o.num || (math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindString:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindAccumulator:
		if len(v.acc) != len(o.acc) {
			return false
		}
		for i := range v.acc {
			if v.acc[i] != o.acc[i] {
				return false
			}
		}
	}
	return true
}

// String renders the value for dependency facts and logs.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindString:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindAccumulator:
		return fmt.Sprintf("n=%d mean=%s", len(v.acc), strconv.FormatFloat(v.Mean(), 'g', 6, 64))
	}
	return "<invalid>"
}

type valueJSON struct {
	Kind    string    `json:"kind"`
	Number  *float64  `json:"number,omitempty"`
	String  *string   `json:"string,omitempty"`
	Bool    *bool     `json:"bool,omitempty"`
	Samples []float64 `json:"samples,omitempty"`
}

// MarshalJSON encodes the value with an explicit kind tag.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Kind: v.kind.String()}
	switch v.kind {
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			s := strconv.FormatFloat(v.num, 'g', -1, 64)
			out.String = &s
		} else {
			n := v.num
			out.Number = &n
		}
	case KindString:
		s := v.str
		out.String = &s
	case KindBool:
		b := v.b
		out.Bool = &b
	case KindAccumulator:
		out.Samples = append([]float64{}, v.acc...)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a value written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var in valueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "number":
		switch {
		case in.Number != nil:
			*v = Number(*in.Number)
		case in.String != nil:
			f, err := strconv.ParseFloat(*in.String, 64)
			if err != nil {
				return fmt.Errorf("decode number: %w", err)
			}
			*v = Number(f)
		default:
			return fmt.Errorf("number value without payload")
		}
	case "string":
		if in.String == nil {
			return fmt.Errorf("string value without payload")
		}
		*v = String(*in.String)
	case "bool":
		if in.Bool == nil {
			return fmt.Errorf("bool value without payload")
		}
		*v = Bool(*in.Bool)
	case "accumulator":
		*v = Accumulator(in.Samples...)
	default:
		return fmt.Errorf("unknown value kind %q", in.Kind)
	}
	return nil
}
