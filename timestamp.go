package collscan

import (
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/cockroachdb/errors"
)

// Timestamp is an optional time bound: epoch milliseconds or a date string
// resolved when a session is created. The zero value is unbounded.
type Timestamp struct {
	ms   int64
	text string
}

// Millis returns a bound at ms epoch milliseconds.
func Millis(ms int64) Timestamp {
	return Timestamp{ms: ms}
}

// Date returns a bound parsed from a free-form date string. Strings without
// a zone are read as UTC. A plain integer string is taken as milliseconds.
func Date(s string) Timestamp {
	return Timestamp{text: s}
}

// IsZero reports whether the bound is unset.
func (t Timestamp) IsZero() bool {
	return t.ms == 0 && t.text == ""
}

// Resolve returns the bound in epoch milliseconds, 0 for unbounded.
func (t Timestamp) Resolve() (int64, error) {
	if t.text == "" {
		return t.ms, nil
	}
	return ParseMillis(t.text)
}

// String returns the bound as given.
func (t Timestamp) String() string {
	if t.text != "" {
		return t.text
	}
	if t.ms == 0 {
		return ""
	}
	return strconv.FormatInt(t.ms, 10)
}

// ParseMillis converts an integer string or a date string into epoch
// milliseconds. Dates without zone information are UTC.
func ParseMillis(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}
	tm, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return 0, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return tm.UnixMilli(), nil
}
