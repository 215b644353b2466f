package carbon

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

const (
	DefaultAttempts     = 3
	DefaultDialTimeout  = 10 * time.Second
	DefaultRetryBackoff = 100 * time.Millisecond
)

// DialFunc opens a stream connection to addr.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Sink writes records to a carbon-cache or carbon-relay daemon over a
// persistent TCP connection. The connection is opened on first use and
// replaced after any I/O error.
//
// A Sink is not safe for concurrent use.
type Sink struct {
	host     string
	port     int
	attempts int
	timeout  time.Duration
	backoff  time.Duration
	dial     DialFunc
	conn     net.Conn
}

// Option configures a Sink.
type Option func(*Sink)

// WithAttempts sets how many connect/send cycles a single Write may take.
func WithAttempts(n int) Option {
	return func(s *Sink) { s.attempts = n }
}

// WithDialTimeout sets the connect timeout, also used as the send deadline.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Sink) { s.timeout = d }
}

// WithRetryBackoff sets the pause between failed attempts.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Sink) { s.backoff = d }
}

// WithDialer replaces net.DialTimeout.
func WithDialer(dial DialFunc) Option {
	return func(s *Sink) { s.dial = dial }
}

// NewSink creates a sink for addr in `host:port` form. No connection is
// made until the first Write.
func NewSink(addr string, opts ...Option) (*Sink, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid carbon address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid carbon port in %q", addr)
	}
	s := &Sink{
		host:     host,
		port:     port,
		attempts: DefaultAttempts,
		timeout:  DefaultDialTimeout,
		backoff:  DefaultRetryBackoff,
		dial:     net.DialTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts < 1 {
		return nil, errors.Errorf("attempts must be at least 1, got %d", s.attempts)
	}
	return s, nil
}

func (s *Sink) addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Name implements metric.Sink.
func (s *Sink) Name() string {
	return "carbon<" + s.addr() + ">"
}

func (s *Sink) connect() error {
	if s.conn != nil {
		return nil
	}
	logrus.WithField("addr", s.addr()).Info("connecting to carbon")
	conn, err := s.dial("tcp", s.addr(), s.timeout)
	if err != nil {
		return errors.WithMessage(err, "failed to connect")
	}
	s.conn = conn
	return nil
}

func (s *Sink) send(line string) error {
	if err := s.connect(); err != nil {
		return err
	}
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return errors.WithMessage(err, "failed to set write deadline")
		}
	}
	// net.Conn.Write only returns without error once the whole buffer is written.
	if _, err := s.conn.Write([]byte(line)); err != nil {
		return errors.WithMessage(err, "failed to send")
	}
	return nil
}

// Write sends the record, reconnecting and retrying up to the configured
// number of attempts. It reports false once every attempt has failed.
func (s *Sink) Write(r metric.Record) bool {
	line := r.Render()
	for attempt := 0; attempt < s.attempts; attempt++ {
		err := s.send(line)
		if err == nil {
			return true
		}
		logrus.WithError(err).WithFields(logrus.Fields{
			"addr":    s.addr(),
			"attempt": attempt,
		}).Warn("failed to send metric to carbon")
		_ = s.Close()
		if attempt < s.attempts-1 {
			time.Sleep(s.backoff)
		}
	}
	logrus.WithFields(logrus.Fields{
		"addr": s.addr(),
		"key":  r.Key,
	}).Errorf("dropping metric after %d attempts", s.attempts)
	return false
}

// Close drops the current connection, if any. The sink stays usable and
// reconnects on the next Write.
func (s *Sink) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
