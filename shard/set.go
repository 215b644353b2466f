package shard

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Set is a set of shard numbers.
type Set map[int]struct{}

// NewSet returns a set holding shards.
func NewSet(shards ...int) Set {
	s := make(Set, len(shards))
	for _, n := range shards {
		s[n] = struct{}{}
	}
	return s
}

// Contains reports whether n is in the set.
func (s Set) Contains(n int) bool {
	_, ok := s[n]
	return ok
}

// Sorted returns the shard numbers in ascending order.
func (s Set) Sorted() []int {
	out := make([]int, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// ReadSet reads one decimal shard number per line. Blank lines are ignored
// and lines that aren't integers are skipped with a warning.
func ReadSet(r io.Reader) (Set, error) {
	s := NewSet()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"line":  lineNo,
				"value": line,
			}).Warn("skipping invalid buffer shard")
			continue
		}
		s[n] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read buffer shards")
	}
	return s, nil
}

// LoadSet reads the buffer shard file at path. A missing file means no
// shards are buffered and is not an error.
func LoadSet(path string) (Set, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewSet(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open buffer shard file %s", path)
	}
	defer f.Close()
	return ReadSet(f)
}
