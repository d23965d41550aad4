package dict

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/fidde/cube_planner/pkg/models"
)

// Kind selects how a dictionary orders its values.
type Kind uint8

const (
	// KindString orders values lexicographically by bytes.
	KindString Kind = iota + 1
	// KindNumber orders values numerically.
	KindNumber
	// KindTime orders values chronologically.
	KindTime
)

var kindNames = map[Kind]string{
	KindString: "string",
	KindNumber: "number",
	KindTime:   "time",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k Kind) valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return k, nil
		}
	}
	return 0, errors.Wrapf(models.ErrInvalidConfiguration, "unknown dictionary kind %q", s)
}

// KindFor maps a column data type to its dictionary variant.
func KindFor(dt models.DataType) Kind {
	switch {
	case dt.IsNumber():
		return KindNumber
	case dt.IsTime():
		return KindTime
	}
	return KindString
}

// sortKey carries the parsed form of a value; only the field matching the
// kind is meaningful besides raw.
type sortKey struct {
	raw    string
	num    decimal.Decimal
	millis int64
}

func (k Kind) key(v string) (sortKey, error) {
	switch k {
	case KindNumber:
		n, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return sortKey{}, errors.Wrapf(err, "number dictionary value %q", v)
		}
		return sortKey{raw: v, num: n}, nil
	case KindTime:
		ms, err := StringToMillis(v)
		if err != nil {
			return sortKey{}, err
		}
		return sortKey{raw: v, millis: ms}, nil
	}
	return sortKey{raw: v}, nil
}

// compare orders by parsed value first and raw string second, so distinct
// spellings of the same number or instant still get distinct ids.
func (k Kind) compare(a, b sortKey) int {
	switch k {
	case KindNumber:
		if c := a.num.Cmp(b.num); c != 0 {
			return c
		}
	case KindTime:
		switch {
		case a.millis < b.millis:
			return -1
		case a.millis > b.millis:
			return 1
		}
	}
	return strings.Compare(a.raw, b.raw)
}
