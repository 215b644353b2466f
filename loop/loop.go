package loop

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

// ErrInterrupt is returned by Run when the context is cancelled before the
// input ends.
var ErrInterrupt = errors.New("signal interrupt")

// Dispatcher handles one input line at a time.
type Dispatcher interface {
	Handle(line string) error
}

// Loop feeds input lines to a Dispatcher until the input ends.
type Loop struct {
	Input      io.Reader
	Dispatcher Dispatcher
	// Reload is called between two lines whenever Hangup fires.
	Reload func() error
	Hangup <-chan os.Signal
}

type readResult struct {
	line string
	err  error
}

// reader reads one line into out for every request on next, until EOF, a
// read error or done is closed. Nothing is read ahead of a request.
func reader(in io.Reader, next <-chan struct{}, out chan<- readResult, done <-chan struct{}) {
	r := bufio.NewReader(in)
	for {
		select {
		case <-next:
		case <-done:
			return
		}
		line, err := r.ReadString('\n')
		select {
		case out <- readResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Run dispatches lines until an empty line, EOF, a fatal dispatch error or
// cancellation of ctx. Malformed lines are logged and skipped.
func (l *Loop) Run(ctx context.Context) error {
	next := make(chan struct{}, 1)
	lines := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go reader(l.Input, next, lines, done)

	n := 0
	next <- struct{}{}
	for {
		select {
		case <-ctx.Done():
			logrus.WithField("lines", n).Info("interrupted, stopping")
			return ErrInterrupt
		case sig := <-l.Hangup:
			logrus.Infof("Recv signal %s, reloading", sig.String())
			if l.Reload != nil {
				if err := l.Reload(); err != nil {
					return errors.WithMessage(err, "failed to reload")
				}
			}
		case res := <-lines:
			line := strings.TrimRightFunc(res.line, unicode.IsSpace)
			if line == "" {
				if res.err != nil && res.err != io.EOF {
					return errors.Wrap(res.err, "failed to read input")
				}
				logrus.WithField("lines", n).Info("end of input")
				return nil
			}
			n++
			if err := l.Dispatcher.Handle(line); err != nil {
				if !errors.Is(err, metric.ErrMalformedRecord) {
					return err
				}
				logrus.WithError(err).WithField("line", n).Warn("skipping malformed line")
			}
			if res.err != nil {
				if res.err != io.EOF {
					return errors.Wrap(res.err, "failed to read input")
				}
				logrus.WithField("lines", n).Info("end of input")
				return nil
			}
			next <- struct{}{}
		}
	}
}
