package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TabFormatter renders entries as `<time>\t<LEVEL>\t<message> [k=v ...]`.
type TabFormatter struct{}

// Format implements logrus.Formatter.
func (TabFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(e.Time.Format(time.RFC3339))
	b.WriteByte('\t')
	b.WriteString(strings.ToUpper(e.Level.String()))
	b.WriteByte('\t')
	b.WriteString(e.Message)

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprint(&b, e.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// FileHook copies every entry to a writer using its own formatter.
type FileHook struct {
	w         io.Writer
	formatter logrus.Formatter
}

// NewFileHook creates a hook writing TabFormatter lines to w.
func NewFileHook(w io.Writer) *FileHook {
	return &FileHook{w: w, formatter: TabFormatter{}}
}

// Levels implements logrus.Hook.
func (h *FileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *FileHook) Fire(e *logrus.Entry) error {
	line, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	_, err = h.w.Write(line)
	return err
}

// Setup configures the standard logrus logger: the level, and if logFile is
// set, a hook appending every entry to that file. The returned function
// closes the log file.
func Setup(level, logFile string) (func() error, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	if logFile == "" {
		return func() error { return nil }, nil
	}
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log file %s", logFile)
	}
	logrus.AddHook(NewFileHook(f))
	return f.Close, nil
}
