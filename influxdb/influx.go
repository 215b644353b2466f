package influxdb

import (
	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/shallowclouds/carbonsink/metric"
)

// SinkV1 writes records to an InfluxDB v1.* server, one point per request.
type SinkV1 struct {
	influxCli client.Client
	addr      string
	db        string
	tags      map[string]string
}

// NewSinkV1 creates a sink for the database db on the server at addr.
func NewSinkV1(addr, db, username, password, hostname string) (*SinkV1, error) {
	cli, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     addr,
		Username: username,
		Password: password,
		Timeout:  DefaultTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create influx db client")
	}
	return &SinkV1{
		influxCli: cli,
		addr:      addr,
		db:        db,
		tags:      hostTags(hostname),
	}, nil
}

// Name implements metric.Sink.
func (s *SinkV1) Name() string {
	return "influxdb<" + s.addr + "/" + s.db + ">"
}

// Write implements metric.Sink.
func (s *SinkV1) Write(r metric.Record) bool {
	log := logrus.WithFields(logrus.Fields{
		"addr": s.addr,
		"key":  r.Key,
	})
	point, err := client.NewPoint(r.Key, s.tags, fields(r), timestamp(r))
	if err != nil {
		log.WithError(err).Warn("failed to create point")
		return false
	}
	batch, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.db,
		Precision: "s",
	})
	if err != nil {
		log.WithError(err).Error("failed to create batch points")
		return false
	}
	batch.AddPoint(point)
	if err := s.influxCli.Write(batch); err != nil {
		log.WithError(err).Error("failed to write point to influx db")
		return false
	}
	return true
}

// Close implements metric.Sink.
func (s *SinkV1) Close() error {
	return s.influxCli.Close()
}
