package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Kind is the dimension a quantity is measured in. Quantities of different
// kinds cannot be compared.
type Kind int

const (
	KindCount Kind = iota
	KindPercent
	KindBytes
	KindBitrate
)

func (k Kind) String() string {
	switch k {
	case KindCount:
		return "count"
	case KindPercent:
		return "percent"
	case KindBytes:
		return "bytes"
	case KindBitrate:
		return "bitrate"
	default:
		return "unknown"
	}
}

var ErrUnitMismatch = errors.New("quantities have different units")

// Quantity is a normalised amount: bytes, bits per second, percent points
// or a plain count.
type Quantity struct {
	Value float64
	Kind  Kind
	raw   string
}

// Count builds a plain count quantity.
func Count(v float64) Quantity { return Quantity{Value: v, Kind: KindCount} }

// Percent builds a percentage quantity.
func Percent(v float64) Quantity { return Quantity{Value: v, Kind: KindPercent} }

func (q Quantity) String() string {
	if q.raw != "" {
		return q.raw
	}
	switch q.Kind {
	case KindPercent:
		return strconv.FormatFloat(q.Value, 'f', -1, 64) + "%"
	case KindBytes:
		return strconv.FormatFloat(q.Value, 'f', -1, 64) + "B"
	case KindBitrate:
		return strconv.FormatFloat(q.Value, 'f', -1, 64) + "bps"
	default:
		return strconv.FormatFloat(q.Value, 'f', -1, 64)
	}
}

// Exceeds reports whether q > limit. Mismatched kinds are an error so that
// a misconfigured limit can never silently pass.
func (q Quantity) Exceeds(limit Quantity) (bool, error) {
	if q.Kind != limit.Kind {
		return false, fmt.Errorf("%w: %s vs %s", ErrUnitMismatch, q.Kind, limit.Kind)
	}
	return q.Value > limit.Value, nil
}

// Prefixes are matched case-insensitively; the trailing unit is not. "B" is
// a byte and "bps" is bits per second, so "16Gb" is neither.
var bytePrefixes = map[string]float64{
	"":   1,
	"k":  1e3,
	"m":  1e6,
	"g":  1e9,
	"t":  1e12,
	"ki": 1 << 10,
	"mi": 1 << 20,
	"gi": 1 << 30,
	"ti": 1 << 40,
}

var bitratePrefixes = map[string]float64{
	"":  1,
	"k": 1e3,
	"m": 1e6,
	"g": 1e9,
}

// lookupUnit resolves a unit suffix to its multiplier and kind.
func lookupUnit(unit string) (float64, Kind, error) {
	switch {
	case strings.HasSuffix(unit, "bps"):
		if mult, ok := bitratePrefixes[strings.ToLower(strings.TrimSuffix(unit, "bps"))]; ok {
			return mult, KindBitrate, nil
		}
	case strings.HasSuffix(unit, "B"):
		if mult, ok := bytePrefixes[strings.ToLower(strings.TrimSuffix(unit, "B"))]; ok {
			return mult, KindBytes, nil
		}
	case strings.HasSuffix(unit, "b"):
		return 0, 0, fmt.Errorf("ambiguous unit %q: use B for bytes or bps for bits per second", unit)
	}
	return 0, 0, fmt.Errorf("unknown unit %q", unit)
}

// ParseQuantity parses "80%", "16GB", "512MiB", "100Mbps" or a bare number.
// "16Gb" is rejected rather than read as bytes.
func ParseQuantity(s string) (Quantity, error) {
	in := strings.TrimSpace(s)
	if in == "" {
		return Quantity{}, errors.New("empty quantity")
	}
	split := strings.IndexFunc(in, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.' && r != '-' && r != '+'
	})
	numPart, unitPart := in, ""
	if split >= 0 {
		numPart, unitPart = in[:split], strings.TrimSpace(in[split:])
	}
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("invalid quantity %q", s)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return Quantity{}, fmt.Errorf("quantity %q out of range", s)
	}

	switch unitPart {
	case "":
		return Quantity{Value: value, Kind: KindCount, raw: in}, nil
	case "%":
		if value > 100 {
			return Quantity{}, fmt.Errorf("percentage %q exceeds 100", s)
		}
		return Quantity{Value: value, Kind: KindPercent, raw: in}, nil
	}
	mult, kind, err := lookupUnit(unitPart)
	if err != nil {
		return Quantity{}, fmt.Errorf("quantity %q: %w", s, err)
	}
	return Quantity{Value: value * mult, Kind: kind, raw: in}, nil
}

// quantityFrom accepts the scalar types produced by JSON and YAML decoders.
func quantityFrom(v interface{}) (Quantity, error) {
	switch x := v.(type) {
	case string:
		return ParseQuantity(x)
	case int:
		return quantityFromNumber(float64(x))
	case int64:
		return quantityFromNumber(float64(x))
	case uint64:
		return quantityFromNumber(float64(x))
	case float64:
		return quantityFromNumber(x)
	case nil:
		return Quantity{}, errors.New("missing quantity")
	default:
		return Quantity{}, fmt.Errorf("unsupported quantity type %T", v)
	}
}

func quantityFromNumber(f float64) (Quantity, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return Quantity{}, fmt.Errorf("quantity %v out of range", f)
	}
	return Count(f), nil
}

// UnmarshalJSON accepts a number or a unit string.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := quantityFrom(v)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// MarshalJSON writes the original text form.
func (q Quantity) MarshalJSON() ([]byte, error) {
	if q.Kind == KindCount && q.raw == "" {
		return json.Marshal(q.Value)
	}
	return json.Marshal(q.String())
}

// UnmarshalYAML accepts a number or a unit string.
func (q *Quantity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v interface{}
	if err := unmarshal(&v); err != nil {
		return err
	}
	parsed, err := quantityFrom(v)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}
