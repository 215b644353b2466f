package handler

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/buffer"
	"github.com/shallowclouds/carbonsink/heartbeat"
	"github.com/shallowclouds/carbonsink/metric"
	"github.com/shallowclouds/carbonsink/shard"
)

// Stats counts what happened to the records seen by a Handler.
type Stats struct {
	Forwarded      uint64
	Buffered       uint64
	Malformed      uint64
	SinkFailures   uint64
	BufferFailures uint64
}

// RouterFactory starts a shard router, typically the hashing helper process.
type RouterFactory func() (shard.Router, error)

// Handler dispatches records either to a local shard buffer or to every
// registered sink, in order.
//
// A Handler processes one line at a time and is not safe for concurrent use.
type Handler struct {
	prefix   string
	sinks    []metric.Sink
	buffered shard.Set
	router   shard.Router
	buffers  *buffer.Store
	stats    Stats
}

// New creates a handler namespacing keys under prefix and buffering to
// files in bufferDir. Buffering stays disabled until SetBuffering is called
// with a non-empty shard set.
func New(prefix, bufferDir string, sinks ...metric.Sink) *Handler {
	return &Handler{
		prefix:   prefix,
		sinks:    sinks,
		buffered: shard.NewSet(),
		buffers:  buffer.NewStore(bufferDir),
	}
}

// AddSink registers another sink after the existing ones.
func (h *Handler) AddSink(s metric.Sink) {
	h.sinks = append(h.sinks, s)
}

// AddMonitoringSink registers a heartbeat sink for the metric stat, which is
// namespaced with the handler's prefix and normalized like every other key.
func (h *Handler) AddMonitoringSink(path, stat string) {
	key := stat
	if h.prefix != "" {
		key = h.prefix + "." + stat
	}
	key = strings.ReplaceAll(key, " ", "_")
	h.AddSink(heartbeat.NewSink(path, key))
}

// Sinks returns the registered sinks in dispatch order.
func (h *Handler) Sinks() []metric.Sink {
	return h.sinks
}

// SetBuffering replaces the buffered shard set and its router. The previous
// router, if any, is closed. A non-empty set requires a router.
func (h *Handler) SetBuffering(shards shard.Set, router shard.Router) error {
	if len(shards) > 0 && router == nil {
		return errors.New("buffering shards requires a router")
	}
	if h.router != nil {
		if err := h.router.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close shard router")
		}
	}
	if len(shards) == 0 && router != nil {
		// Nothing to buffer, so the router would never be asked.
		if err := router.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close shard router")
		}
		router = nil
	}
	if shards == nil {
		shards = shard.NewSet()
	}
	h.buffered = shards
	h.router = router
	if len(shards) > 0 {
		logrus.WithField("shards", shards.Sorted()).Info("buffering shards")
	} else {
		logrus.Info("shard buffering disabled")
	}
	return nil
}

// LoadBuffering reads the buffer shard file at path and installs it. The
// router is only started when at least one shard is listed.
func (h *Handler) LoadBuffering(path string, start RouterFactory) error {
	shards, err := shard.LoadSet(path)
	if err != nil {
		return err
	}
	var router shard.Router
	if len(shards) > 0 {
		if router, err = start(); err != nil {
			return errors.WithMessage(err, "failed to start shard router")
		}
	}
	return h.SetBuffering(shards, router)
}

// Handle parses one `key|value|timestamp` line and dispatches it. Errors
// wrapping metric.ErrMalformedRecord concern this line only; any other error
// means the shard router is unusable.
func (h *Handler) Handle(line string) error {
	r, err := metric.ParsePrefixed(h.prefix, line)
	if err != nil {
		h.stats.Malformed++
		return err
	}
	buffered, err := h.buffer(r)
	if err != nil {
		return err
	}
	if !buffered {
		h.forward(r)
	}
	return nil
}

// buffer appends r to its shard's buffer file if that shard is buffered.
func (h *Handler) buffer(r metric.Record) (bool, error) {
	if len(h.buffered) == 0 {
		return false, nil
	}
	a, err := h.router.Lookup(r.Key)
	if err != nil {
		return false, errors.WithMessagef(err, "failed to look up shard for %q", r.Key)
	}
	n, ok := a.Shard(shard.CarbonField)
	if !ok {
		return false, errors.Wrapf(shard.ErrProtocol, "no %s in response for %q", shard.CarbonField, r.Key)
	}
	if !h.buffered.Contains(n) {
		return false, nil
	}
	if err := h.buffers.Append(n, r); err != nil {
		h.stats.BufferFailures++
		logrus.WithError(err).WithFields(logrus.Fields{
			"key":   r.Key,
			"shard": n,
		}).Error("dropping metric, failed to buffer")
		return true, nil
	}
	h.stats.Buffered++
	return true, nil
}

func (h *Handler) forward(r metric.Record) {
	h.stats.Forwarded++
	for _, s := range h.sinks {
		if !s.Write(r) {
			h.stats.SinkFailures++
			logrus.WithFields(logrus.Fields{
				"sink": s.Name(),
				"key":  r.Key,
			}).Error("hard failure sending to sink, giving up on it")
		}
	}
}

// Stats returns the counters accumulated so far.
func (h *Handler) Stats() Stats {
	return h.stats
}

// Close stops the shard router and closes buffer files and sinks.
func (h *Handler) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if h.router != nil {
		keep(h.router.Close())
		h.router = nil
	}
	keep(h.buffers.Close())
	for _, s := range h.sinks {
		keep(errors.WithMessagef(s.Close(), "failed to close %s", s.Name()))
	}
	return first
}
