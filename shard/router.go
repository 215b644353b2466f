package shard

import (
	"bufio"
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

// ErrProtocol is returned when the hashing helper doesn't answer a request
// with a well-formed line.
var ErrProtocol = errors.New("shard helper protocol failure")

// Router maps a metric key to its shard assignment.
type Router interface {
	Lookup(key string) (Assignment, error)
	Close() error
}

// ProcessRouter is a Router backed by a long-lived helper process speaking a
// line protocol: one key per line on its stdin, one line of `field=value`
// tokens per key on its stdout. Requests are strictly sequential.
//
// A ProcessRouter is not safe for concurrent use.
type ProcessRouter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
}

// StartProcess starts cmd and wires its stdin and stdout to the router.
func StartProcess(cmd *exec.Cmd) (*ProcessRouter, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open helper stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open helper stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", cmd.Path)
	}
	logrus.WithFields(logrus.Fields{
		"path": cmd.Path,
		"pid":  cmd.Process.Pid,
	}).Info("started shard helper")
	return &ProcessRouter{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
	}, nil
}

// Lookup sends key to the helper and waits for its answer.
func (r *ProcessRouter) Lookup(key string) (Assignment, error) {
	if strings.ContainsRune(key, '\n') {
		return Assignment{}, errors.Wrapf(metric.ErrMalformedRecord, "key %q contains a newline", key)
	}
	if _, err := io.WriteString(r.stdin, key+"\n"); err != nil {
		return Assignment{}, errors.Wrapf(ErrProtocol, "failed to send key: %v", err)
	}
	line, err := r.stdout.ReadString('\n')
	if err != nil {
		return Assignment{}, errors.Wrapf(ErrProtocol, "failed to read response for %q: %v", key, err)
	}
	return ParseAssignment(line)
}

// Close terminates the helper and reaps it.
func (r *ProcessRouter) Close() error {
	_ = r.stdin.Close()
	_ = r.cmd.Process.Kill()
	// The exit status is that of the kill, or of an earlier crash already
	// reported by Lookup.
	_ = r.cmd.Wait()
	logrus.WithField("path", r.cmd.Path).Info("stopped shard helper")
	return nil
}

// Helper describes how to launch the hashing helper.
type Helper struct {
	Path   string
	Config string
}

// Command builds the helper command line: `<path> [-c <config>]`.
func (h Helper) Command() *exec.Cmd {
	var args []string
	if h.Config != "" {
		args = append(args, "-c", h.Config)
	}
	return exec.Command(h.Path, args...)
}

// Start launches the helper as a ProcessRouter.
func (h Helper) Start() (*ProcessRouter, error) {
	return StartProcess(h.Command())
}
