package synckit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	syncErrors "github.com/c0deZ3R0/marketsync/errors"
	"github.com/c0deZ3R0/marketsync/synckit/calc"
)

// TransformType selects a transformation.
type TransformType string

const (
	TransformMap       TransformType = "map"
	TransformFormat    TransformType = "format"
	TransformCalculate TransformType = "calculate"
	TransformDefault   TransformType = "default"
)

// FormatKind selects the coercion a format transformation applies.
type FormatKind string

const (
	FormatDate      FormatKind = "date"
	FormatCurrency  FormatKind = "currency"
	FormatString    FormatKind = "string"
	FormatNumber    FormatKind = "number"
	FormatUppercase FormatKind = "uppercase"
	FormatLowercase FormatKind = "lowercase"
)

// Transformation rewrites one field of a change's data before propagation.
type Transformation struct {
	Type  TransformType `json:"type" yaml:"type"`
	Field string        `json:"field" yaml:"field"`
	// Target receives the result; it defaults to Field.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`

	// map
	Mapping map[string]any `json:"mapping,omitempty" yaml:"mapping,omitempty"`

	// format
	Format    FormatKind `json:"format,omitempty" yaml:"format,omitempty"`
	Layout    string     `json:"layout,omitempty" yaml:"layout,omitempty"`       // date output layout, RFC 3339 by default
	Currency  string     `json:"currency,omitempty" yaml:"currency,omitempty"`   // ISO 4217 code, USD by default
	Precision *int       `json:"precision,omitempty" yaml:"precision,omitempty"` // number rounding

	// calculate
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// default
	Value any `json:"value,omitempty" yaml:"value,omitempty"`
}

func (t Transformation) target() string {
	if t.Target != "" {
		return t.Target
	}
	return t.Field
}

// Validate checks the transformation's static shape.
func (t Transformation) Validate() error {
	switch t.Type {
	case TransformMap:
		if len(t.Mapping) == 0 {
			return fmt.Errorf("map transformation on %q has no mapping", t.Field)
		}
	case TransformFormat:
		switch t.Format {
		case FormatDate, FormatString, FormatNumber, FormatUppercase, FormatLowercase:
		case FormatCurrency:
			if t.Currency != "" {
				if _, err := currency.ParseISO(t.Currency); err != nil {
					return fmt.Errorf("format on %q: %w", t.Field, err)
				}
			}
		default:
			return fmt.Errorf("format on %q: unknown format %q", t.Field, t.Format)
		}
	case TransformCalculate:
		if _, err := calc.Compile(t.Expression); err != nil {
			return err
		}
		if t.target() == "" {
			return fmt.Errorf("calculate transformation needs a field or target")
		}
		return nil
	case TransformDefault:
	default:
		return fmt.Errorf("unknown transformation type %q", t.Type)
	}
	if t.Field == "" {
		return fmt.Errorf("%s transformation needs a field", t.Type)
	}
	return nil
}

// Transform applies transformations in order to a copy of data. The input is
// never modified. Any failure is a rule evaluation error.
func Transform(data Data, transformations []Transformation) (Data, error) {
	out := data.Clone()
	if out == nil {
		out = Data{}
	}
	for i, t := range transformations {
		if err := applyTransformation(out, t); err != nil {
			return nil, syncErrors.E(syncErrors.OpTransform, syncErrors.Component("transform"),
				syncErrors.KindRuleEvaluation, fmt.Errorf("transformation %d (%s %s): %w", i, t.Type, t.Field, err))
		}
	}
	return out, nil
}

func applyTransformation(data Data, t Transformation) error {
	switch t.Type {
	case TransformMap:
		v, ok := data.Lookup(t.Field)
		if !ok {
			return nil
		}
		if mapped, found := t.Mapping[stringify(v)]; found {
			data.Set(t.target(), mapped)
		}
		return nil

	case TransformFormat:
		v, ok := data.Lookup(t.Field)
		if !ok {
			return nil
		}
		formatted, err := formatValue(v, t)
		if err != nil {
			return err
		}
		data.Set(t.target(), formatted)
		return nil

	case TransformCalculate:
		v, err := calc.Eval(t.Expression, data.Lookup)
		if err != nil {
			return err
		}
		data.Set(t.target(), v)
		return nil

	case TransformDefault:
		v, ok := data.Lookup(t.Field)
		if !ok || isFalsy(v) {
			data.Set(t.target(), cloneValue(t.Value))
		}
		return nil
	}
	return fmt.Errorf("unknown transformation type %q", t.Type)
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

func formatValue(v any, t Transformation) (any, error) {
	switch t.Format {
	case FormatString:
		return stringify(v), nil
	case FormatUppercase:
		return strings.ToUpper(stringify(v)), nil
	case FormatLowercase:
		return strings.ToLower(stringify(v)), nil

	case FormatNumber:
		f, err := parseNumber(v)
		if err != nil {
			return nil, err
		}
		if t.Precision != nil {
			pow := math.Pow(10, float64(*t.Precision))
			f = math.Round(f*pow) / pow
		}
		return f, nil

	case FormatCurrency:
		f, err := parseNumber(v)
		if err != nil {
			return nil, err
		}
		code := t.Currency
		if code == "" {
			code = "USD"
		}
		unit, err := currency.ParseISO(code)
		if err != nil {
			return nil, err
		}
		return message.NewPrinter(language.English).Sprint(unit.Amount(f)), nil

	case FormatDate:
		ts, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		layout := t.Layout
		if layout == "" {
			layout = time.RFC3339
		}
		return ts.UTC().Format(layout), nil
	}
	return nil, fmt.Errorf("unknown format %q", t.Format)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func parseNumber(v any) (float64, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	switch x := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", x)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%T is not a number", v)
}

// parseTime accepts time values, common string layouts and Unix seconds.
func parseTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, x); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("%q is not a recognised date", x)
	}
	if f, ok := toFloat(v); ok {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)), nil
	}
	return time.Time{}, fmt.Errorf("%T is not a date", v)
}
