package metric

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformedRecord is returned when an input line can't be parsed into a Record.
var ErrMalformedRecord = errors.New("malformed record")

// Record is one metric observation as produced by statsite.
type Record struct {
	Key       string
	Value     string
	Timestamp int64
}

// New builds a Record from its raw fields. Spaces in the key are replaced
// with underscores, the value is kept verbatim and the timestamp must be a
// base-10 integer.
func New(key, value, timestamp string) (Record, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return Record{}, errors.Wrapf(ErrMalformedRecord, "invalid timestamp %q", timestamp)
	}
	return Record{
		Key:       strings.ReplaceAll(key, " ", "_"),
		Value:     value,
		Timestamp: ts,
	}, nil
}

// Parse parses a `key|value|timestamp` line. The key ends at the first `|`
// and the timestamp starts after the last one, so the value may itself
// contain `|`.
func Parse(line string) (Record, error) {
	return ParsePrefixed("", line)
}

// ParsePrefixed parses line like Parse, with the key namespaced as
// `<prefix>.<key>` when prefix isn't empty.
func ParsePrefixed(prefix, line string) (Record, error) {
	first := strings.IndexByte(line, '|')
	last := strings.LastIndexByte(line, '|')
	if first < 0 || first == last {
		return Record{}, errors.Wrapf(ErrMalformedRecord, "expected key|value|timestamp, got %q", line)
	}
	key := line[:first]
	if prefix != "" {
		key = prefix + "." + key
	}
	return New(key, line[first+1:last], line[last+1:])
}

// Render returns the carbon plaintext line `<key> <value> <timestamp>\n`.
func (r Record) Render() string {
	var b strings.Builder
	b.Grow(len(r.Key) + len(r.Value) + 22)
	b.WriteString(r.Key)
	b.WriteByte(' ')
	b.WriteString(r.Value)
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(r.Timestamp, 10))
	b.WriteByte('\n')
	return b.String()
}
