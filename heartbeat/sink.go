package heartbeat

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

// Sink overwrites a file with the value of one specific metric each time it
// is seen, so that an external check can watch the file's mtime.
type Sink struct {
	path string
	key  string
}

// NewSink creates a heartbeat sink writing to path whenever a record with
// the given key arrives.
func NewSink(path, key string) *Sink {
	return &Sink{path: path, key: key}
}

// Name implements metric.Sink.
func (s *Sink) Name() string {
	return "heartbeat<" + s.path + ">"
}

// Write implements metric.Sink. Records with other keys are ignored.
func (s *Sink) Write(r metric.Record) bool {
	if r.Key != s.key {
		return true
	}
	if err := ioutil.WriteFile(s.path, []byte(r.Value+"\n"), 0644); err != nil {
		logrus.WithError(err).WithField("path", s.path).Error("failed to write heartbeat file")
		return false
	}
	return true
}

// Close implements metric.Sink.
func (s *Sink) Close() error {
	return nil
}
