package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/shallowclouds/carbonsink/carbon"
	"github.com/shallowclouds/carbonsink/config"
	"github.com/shallowclouds/carbonsink/handler"
	"github.com/shallowclouds/carbonsink/icmp"
	"github.com/shallowclouds/carbonsink/influxdb"
	"github.com/shallowclouds/carbonsink/logging"
	"github.com/shallowclouds/carbonsink/loop"
	"github.com/shallowclouds/carbonsink/metric"
	"github.com/shallowclouds/carbonsink/shard"
)

const (
	defaultDialTimeout  = carbon.DefaultDialTimeout
	defaultRetryBackoff = carbon.DefaultRetryBackoff
	defaultProbeTimeout = icmp.DefaultTimeout
)

// loadConfig reads the config file and lets explicitly set flags and
// positional arguments override it.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	var files []string
	if path := ctx.String("config"); path != "" {
		files = append(files, path)
	}
	conf, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	strFlags := map[string]*string{
		"logfile":           &conf.LogFile,
		"log-level":         &conf.LogLevel,
		"statsite-instance": &conf.StatsiteInstance,
		"monitoring-stat":   &conf.MonitoringStat,
		"cache-directory":   &conf.CacheDirectory,
		"buffer-shard-file": &conf.BufferShardFile,
		"statsrelay-config": &conf.Stathasher.Config,
		"stathasher":        &conf.Stathasher.Path,
	}
	for name, field := range strFlags {
		if ctx.IsSet(name) {
			*field = ctx.String(name)
		}
	}
	if ctx.IsSet("attempts") {
		conf.Attempts = ctx.Int("attempts")
	}
	if ctx.IsSet("dial-timeout") {
		conf.DialTimeout = ctx.Duration("dial-timeout")
	}
	if ctx.IsSet("retry-backoff") {
		conf.RetryBackoff = ctx.Duration("retry-backoff")
	}
	return conf, nil
}

// newHandler builds the dispatch engine and its sinks: carbon servers first,
// then InfluxDB, then the heartbeat file.
func newHandler(conf *config.Config) (*handler.Handler, error) {
	var sinks []metric.Sink
	for _, addr := range conf.Servers {
		s, err := carbon.NewSink(addr,
			carbon.WithAttempts(conf.Attempts),
			carbon.WithDialTimeout(conf.DialTimeout),
			carbon.WithRetryBackoff(conf.RetryBackoff),
		)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if v1 := conf.InfluxDBv1; v1.Addr != "" {
		s, err := influxdb.NewSinkV1(v1.Addr, v1.Database, v1.Username, v1.Password, conf.Hostname)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if v2 := conf.InfluxDBv2; v2.Addr != "" {
		sinks = append(sinks, influxdb.NewSinkV2(v2.Addr, v2.Org, v2.Bucket, v2.Token, conf.Hostname))
	}
	h := handler.New(conf.Prefix, conf.CacheDirectory, sinks...)
	if conf.Monitoring() {
		h.AddMonitoringSink(filepath.Join(conf.CacheDirectory, conf.StatsiteInstance), conf.MonitoringStat)
	}
	return h, nil
}

func routerFactory(conf *config.Config) handler.RouterFactory {
	helper := shard.Helper{
		Path:   conf.Stathasher.Path,
		Config: conf.Stathasher.Config,
	}
	return func() (shard.Router, error) {
		r, err := helper.Start()
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func logStats(s handler.Stats, start time.Time) {
	logrus.WithFields(logrus.Fields{
		"forwarded":       s.Forwarded,
		"buffered":        s.Buffered,
		"malformed":       s.Malformed,
		"sink_failures":   s.SinkFailures,
		"buffer_failures": s.BufferFailures,
		"elapsed":         time.Since(start).Round(time.Millisecond),
	}).Info("bye~")
}

func run(ctx *cli.Context) error {
	conf, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() > 0 {
		conf.Prefix = ctx.Args().First()
		if servers := ctx.Args().Tail(); len(servers) > 0 {
			conf.Servers = servers
		}
	}
	if err := conf.Validate(); err != nil {
		_ = cli.ShowAppHelp(ctx)
		return err
	}

	closeLog, err := logging.Setup(conf.LogLevel, conf.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	h, err := newHandler(conf)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close handler")
		}
	}()

	start := routerFactory(conf)
	if err := h.LoadBuffering(conf.BufferShardFile, start); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	l := &loop.Loop{
		Input:      os.Stdin,
		Dispatcher: h,
		Hangup:     hup,
		Reload: func() error {
			return h.LoadBuffering(conf.BufferShardFile, start)
		},
	}
	began := time.Now()
	err = l.Run(sigCtx)
	logStats(h.Stats(), began)
	if errors.Is(err, loop.ErrInterrupt) {
		return nil
	}
	return err
}

func probe(ctx *cli.Context) error {
	conf, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	closeLog, err := logging.Setup(conf.LogLevel, conf.LogFile)
	if err != nil {
		return err
	}
	defer closeLog()

	targets := ctx.Args().Slice()
	if len(targets) == 0 {
		targets = conf.Servers
	}
	if len(targets) == 0 {
		return errors.New("no hosts to probe")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return icmp.ProbeAll(sigCtx, targets, ctx.Int("count"), ctx.Duration("timeout"), ctx.Bool("privileged"))
}
