package icmp

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-ping/ping"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCount   = 3
	DefaultTimeout = 5 * time.Second
)

// Probe checks that a backend host answers ICMP echo requests.
type Probe struct {
	host       string
	count      int
	interval   time.Duration
	timeout    time.Duration
	privileged bool
}

// Result is the outcome of one probe run.
type Result struct {
	Host       string
	Sent, Recv int
	Loss       float64
	AvgRtt     time.Duration
}

// Reachable reports whether at least one reply came back.
func (r Result) Reachable() bool {
	return r.Recv > 0
}

// NewProbe creates a probe for target, a host or `host:port` backend address.
// `count` is the number of echo requests, `timeout` bounds the whole run and
// `privileged` selects raw ICMP sockets over unprivileged UDP ping.
func NewProbe(target string, count int, timeout time.Duration, privileged bool) (*Probe, error) {
	host := target
	if h, _, err := net.SplitHostPort(target); err == nil {
		host = h
	}
	if host == "" {
		return nil, errors.Errorf("no host in %q", target)
	}
	if count <= 0 {
		count = DefaultCount
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Probe{
		host:       host,
		count:      count,
		interval:   time.Second,
		timeout:    timeout,
		privileged: privileged,
	}, nil
}

// Run pings the host and returns the statistics. It stops early when ctx is
// cancelled.
func (p *Probe) Run(ctx context.Context) (Result, error) {
	pinger, err := ping.NewPinger(p.host)
	if err != nil {
		return Result{}, errors.WithMessage(err, "failed to create pinger")
	}
	pinger.Count = p.count
	pinger.Interval = p.interval
	pinger.Timeout = p.timeout
	pinger.SetPrivileged(p.privileged)
	pinger.Size = 64

	pinger.OnRecv = func(packet *ping.Packet) {
		logrus.WithFields(logrus.Fields{
			"host":   p.host,
			"rtt":    packet.Rtt,
			"nbytes": packet.Nbytes,
			"seq":    packet.Seq,
			"ttl":    packet.Ttl,
		}).Debug("recv ICMP packet")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pinger.Stop()
		case <-done:
		}
	}()

	if err := pinger.Run(); err != nil {
		return Result{}, errors.WithMessage(err, "failed to run pinger")
	}
	stats := pinger.Statistics()
	return Result{
		Host:   p.host,
		Sent:   stats.PacketsSent,
		Recv:   stats.PacketsRecv,
		Loss:   stats.PacketLoss,
		AvgRtt: stats.AvgRtt,
	}, nil
}

func (p *Probe) Name() string {
	return fmt.Sprintf("<%s>", p.host)
}

// ProbeAll runs one probe per target in sequence and logs each result. It
// returns an error naming the first unreachable target.
func ProbeAll(ctx context.Context, targets []string, count int, timeout time.Duration, privileged bool) error {
	var failed error
	for _, target := range targets {
		log := logrus.WithField("target", target)
		probe, err := NewProbe(target, count, timeout, privileged)
		if err != nil {
			log.WithError(err).Error("invalid probe target, skipped")
			if failed == nil {
				failed = err
			}
			continue
		}
		res, err := probe.Run(ctx)
		if err == nil && !res.Reachable() {
			err = errors.Errorf("%s is unreachable", probe.Name())
		}
		if err != nil {
			log.WithError(err).Error("probe failed")
			if failed == nil {
				failed = err
			}
			continue
		}
		log.WithFields(logrus.Fields{
			"sent": res.Sent,
			"recv": res.Recv,
			"loss": res.Loss,
			"rtt":  res.AvgRtt,
		}).Info("backend reachable")
	}
	return failed
}
