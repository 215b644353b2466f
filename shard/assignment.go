package shard

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CarbonField is the response field holding the carbon shard number.
const CarbonField = "carbon_shard"

// Assignment is one response of the hashing helper, e.g.
// `key=foo carbon=127.0.0.1:2001 carbon_shard=1`. Fields whose name ends in
// `_shard` are integers and live in Shards; everything else is in Fields.
type Assignment struct {
	Fields map[string]string
	Shards map[string]int
}

// Shard returns the integer field name, e.g. CarbonField.
func (a Assignment) Shard(name string) (int, bool) {
	n, ok := a.Shards[name]
	return n, ok
}

// ParseAssignment parses a whitespace-separated list of `field=value` tokens.
func ParseAssignment(line string) (Assignment, error) {
	a := Assignment{
		Fields: make(map[string]string),
		Shards: make(map[string]int),
	}
	for _, tok := range strings.Fields(line) {
		i := strings.IndexByte(tok, '=')
		if i <= 0 {
			return Assignment{}, errors.Wrapf(ErrProtocol, "malformed token %q", tok)
		}
		name, value := tok[:i], tok[i+1:]
		if !strings.HasSuffix(name, "_shard") {
			a.Fields[name] = value
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return Assignment{}, errors.Wrapf(ErrProtocol, "non-integer %s=%q", name, value)
		}
		a.Shards[name] = n
	}
	return a, nil
}
