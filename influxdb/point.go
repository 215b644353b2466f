package influxdb

import (
	"strconv"
	"time"

	"github.com/shallowclouds/carbonsink/metric"
)

// DefaultTimeout bounds a single write to the InfluxDB server.
const DefaultTimeout = 10 * time.Second

// fields maps a record value to InfluxDB fields. Numeric values are stored
// as floats, anything else verbatim as a string.
func fields(r metric.Record) map[string]interface{} {
	if v, err := strconv.ParseFloat(r.Value, 64); err == nil {
		return map[string]interface{}{"value": v}
	}
	return map[string]interface{}{"value": r.Value}
}

func timestamp(r metric.Record) time.Time {
	return time.Unix(r.Timestamp, 0)
}

// hostTags returns the tag set carried by every point.
func hostTags(hostname string) map[string]string {
	if hostname == "" {
		return nil
	}
	return map[string]string{"host": hostname}
}
