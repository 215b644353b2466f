package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	compiledTimeString string
	version            string
)

func newApp() *cli.App {
	return &cli.App{
		Name:        "carbonsink",
		HelpName:    "carbonsink",
		Usage:       "forward statsite metrics to carbon, buffering selected shards to disk",
		ArgsUsage:   "PREFIX [HOST:PORT ...]",
		Version:     fmt.Sprintf("\ngit version: %s\nbuild time: %s", version, compiledTimeString),
		Description: "Reads key|value|timestamp lines on stdin and writes them to every configured backend.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "--config /path/to/config/file",
				EnvVars: []string{"CONFIG_FILE"},
			},
			&cli.IntFlag{
				Name:  "attempts",
				Usage: "connect/send attempts per metric and carbon server",
				Value: 3,
			},
			&cli.DurationFlag{
				Name:  "dial-timeout",
				Usage: "carbon connect and send timeout",
				Value: defaultDialTimeout,
			},
			&cli.DurationFlag{
				Name:  "retry-backoff",
				Usage: "pause between two failed attempts",
				Value: defaultRetryBackoff,
			},
			&cli.StringFlag{
				Name:  "logfile",
				Usage: "also append log entries to this file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn, error",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "statsite-instance",
				Usage: "name of the heartbeat file under the cache directory",
			},
			&cli.StringFlag{
				Name:  "monitoring-stat",
				Usage: "metric (without prefix) whose value is written to the heartbeat file",
			},
			&cli.StringFlag{
				Name:    "cache-directory",
				Aliases: []string{"c"},
				Usage:   "directory for cache files",
				Value:   "/var/cache/statsite",
			},
			&cli.StringFlag{
				Name:    "buffer-shard-file",
				Aliases: []string{"b"},
				Usage:   "buffer metrics for shards from this file",
				Value:   "/etc/statsrelay_buffer_shards.txt",
			},
			&cli.StringFlag{
				Name:  "statsrelay-config",
				Usage: "statsrelay config to use when hashing",
			},
			&cli.StringFlag{
				Name:  "stathasher",
				Usage: "path of the stathasher binary",
				Value: "/usr/bin/stathasher",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:      "probe",
				Usage:     "check that carbon hosts answer ICMP echo requests",
				ArgsUsage: "[HOST:PORT ...]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "count",
						Usage: "echo requests per host",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "time limit per host",
						Value: defaultProbeTimeout,
					},
					&cli.BoolFlag{
						Name:  "privileged",
						Usage: "use raw ICMP sockets",
					},
				},
				Action: probe,
			},
		},
		Authors: []*cli.Author{
			{
				Name:  "Yorling",
				Email: "ishallowcloud@gmail.com",
			},
		},
		UseShortOptionHandling: true,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("failed to run commands")
	}
}
