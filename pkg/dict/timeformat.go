package dict

import (
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

const (
	compactDatePattern   = "20060102"
	defaultDatePattern   = "2006-01-02"
	datetimePattern      = "2006-01-02 15:04:05"
	datetimeMillisLayout = "2006-01-02 15:04:05.000"
)

// StringToMillis guesses the pattern of a date string from its shape and
// returns epoch milliseconds in UTC. All-digit strings of length 8 are
// yyyyMMdd; other all-digit strings are already epoch milliseconds.
func StringToMillis(s string) (int64, error) {
	if isAllDigits(s) {
		if len(s) == 8 {
			return parseUTC(compactDatePattern, s)
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "epoch millis %q", s)
		}
		return ms, nil
	}

	switch len(s) {
	case 10:
		return parseUTC(defaultDatePattern, s)
	case 19:
		return parseUTC(datetimePattern, s)
	case 23:
		return parseUTC(datetimeMillisLayout, s)
	}
	return 0, errors.Newf("no valid date pattern for %q", s)
}

func parseUTC(layout, s string) (int64, error) {
	t, err := time.ParseInLocation(layout, s, time.UTC)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %q", s)
	}
	return t.UnixMilli(), nil
}

func isAllDigits(s string) bool {
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
