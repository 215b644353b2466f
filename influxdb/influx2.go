package influxdb

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

// SinkV2 writes records to an InfluxDB v2.* server. Writes are blocking so
// that the outcome of each record is known.
type SinkV2 struct {
	cli     influxdb2.Client
	api     api.WriteAPIBlocking
	addr    string
	bucket  string
	tags    map[string]string
	timeout time.Duration
}

// NewSinkV2 constructs a InfluxDB v2.* sink.
func NewSinkV2(addr, org, bucket, token, hostname string) *SinkV2 {
	opts := influxdb2.DefaultOptions().
		SetPrecision(time.Second).
		SetHTTPRequestTimeout(uint(DefaultTimeout / time.Second))
	cli := influxdb2.NewClientWithOptions(addr, token, opts)
	return &SinkV2{
		cli:     cli,
		api:     cli.WriteAPIBlocking(org, bucket),
		addr:    addr,
		bucket:  bucket,
		tags:    hostTags(hostname),
		timeout: DefaultTimeout,
	}
}

// Name implements metric.Sink.
func (s *SinkV2) Name() string {
	return "influxdb2<" + s.addr + "/" + s.bucket + ">"
}

// Write implements metric.Sink.
func (s *SinkV2) Write(r metric.Record) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	p := influxdb2.NewPoint(r.Key, s.tags, fields(r), timestamp(r))
	if err := s.api.WritePoint(ctx, p); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"addr": s.addr,
			"key":  r.Key,
		}).Error("failed to send data point to server")
		return false
	}
	return true
}

// Close implements metric.Sink.
func (s *SinkV2) Close() error {
	s.cli.Close()
	return nil
}
