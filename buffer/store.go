package buffer

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

// Store appends records to per-shard files under a directory. Files are
// opened on first use and kept open until Close.
//
// A Store is not safe for concurrent use.
type Store struct {
	dir   string
	files map[int]*os.File
}

// NewStore creates a store writing to dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:   dir,
		files: make(map[int]*os.File),
	}
}

// Path returns the buffer file for shard.
func (s *Store) Path(shard int) string {
	return filepath.Join(s.dir, "shard_"+strconv.Itoa(shard)+".txt")
}

func (s *Store) file(shard int) (*os.File, error) {
	if f, ok := s.files[shard]; ok {
		return f, nil
	}
	path := s.Path(shard)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open buffer file %s", path)
	}
	logrus.WithFields(logrus.Fields{
		"shard": shard,
		"path":  path,
	}).Info("opened buffer file")
	s.files[shard] = f
	return f, nil
}

// Append writes the record's carbon line to the shard's file. The write
// goes straight to the file descriptor, there is no user-space buffering.
func (s *Store) Append(shard int, r metric.Record) error {
	f, err := s.file(shard)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(r.Render()); err != nil {
		return errors.Wrapf(err, "failed to append to %s", f.Name())
	}
	return nil
}

// Close closes every open buffer file and returns the first error.
func (s *Store) Close() error {
	var first error
	for shard, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "failed to close %s", f.Name())
		}
		delete(s.files, shard)
	}
	return first
}
