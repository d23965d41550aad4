package models

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// DataType is a parsed column or measure return type such as
// "decimal(19,4)", "varchar(256)" or "hllc(12)".
type DataType struct {
	Name      string
	Precision int
	Scale     int
}

var numberTypes = map[string]bool{
	"tinyint": true, "smallint": true, "integer": true, "int": true,
	"bigint": true, "long": true, "float": true, "double": true,
	"real": true, "decimal": true, "numeric": true,
}

var timeTypes = map[string]bool{
	"date": true, "time": true, "datetime": true, "timestamp": true,
}

var stringTypes = map[string]bool{
	"varchar": true, "char": true, "string": true, "boolean": true,
}

var measureTypes = map[string]bool{
	"hllc": true, "bitmap": true,
}

// ParseDataType parses a type declaration. Names are case insensitive.
func ParseDataType(s string) (DataType, error) {
	decl := strings.ToLower(strings.TrimSpace(s))
	if decl == "" {
		return DataType{}, errors.Wrap(ErrInvalidConfiguration, "empty data type")
	}

	name, args := decl, ""
	if open := strings.IndexByte(decl, '('); open >= 0 {
		if !strings.HasSuffix(decl, ")") {
			return DataType{}, errors.Wrapf(ErrInvalidConfiguration, "malformed data type %q", s)
		}
		name = strings.TrimSpace(decl[:open])
		args = decl[open+1 : len(decl)-1]
	}

	if !numberTypes[name] && !timeTypes[name] && !stringTypes[name] && !measureTypes[name] {
		return DataType{}, errors.Wrapf(ErrInvalidConfiguration, "unknown data type %q", s)
	}

	dt := DataType{Name: name}
	if args != "" {
		parts := strings.Split(args, ",")
		if len(parts) > 2 {
			return DataType{}, errors.Wrapf(ErrInvalidConfiguration, "malformed data type %q", s)
		}
		p, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil || p < 0 {
			return DataType{}, errors.Wrapf(ErrInvalidConfiguration, "bad precision in %q", s)
		}
		dt.Precision = p
		if len(parts) == 2 {
			sc, err := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err != nil || sc < 0 {
				return DataType{}, errors.Wrapf(ErrInvalidConfiguration, "bad scale in %q", s)
			}
			dt.Scale = sc
		}
	}
	return dt, nil
}

// MustParseDataType is ParseDataType for static declarations.
func MustParseDataType(s string) DataType {
	dt, err := ParseDataType(s)
	if err != nil {
		panic(err)
	}
	return dt
}

// IsNumber reports whether values order numerically.
func (d DataType) IsNumber() bool { return numberTypes[d.Name] }

// IsTime reports whether values order chronologically.
func (d DataType) IsTime() bool { return timeTypes[d.Name] }

// StorageBytesEstimate is the expected stored width of one value, used for
// cuboid size estimation.
func (d DataType) StorageBytesEstimate() int {
	switch d.Name {
	case "bigint", "long", "double", "decimal", "numeric", "timestamp", "datetime":
		return 8
	case "integer", "int", "float", "real", "date", "time":
		return 4
	case "smallint":
		return 2
	case "tinyint", "boolean":
		return 1
	case "varchar", "char", "string":
		if d.Precision > 0 {
			return d.Precision
		}
		return 256
	case "hllc":
		p := d.Precision
		if p == 0 {
			p = 14
		}
		return 1<<p + 1
	case "bitmap":
		return 8 * 1024
	}
	return 8
}

func (d DataType) String() string {
	switch {
	case d.Scale > 0:
		return d.Name + "(" + strconv.Itoa(d.Precision) + "," + strconv.Itoa(d.Scale) + ")"
	case d.Precision > 0:
		return d.Name + "(" + strconv.Itoa(d.Precision) + ")"
	}
	return d.Name
}
