package vuload

import (
	"fmt"
	"net"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	"github.com/rcrowley/go-metrics"
)

// StartGraphiteSender flushes every metric of registry to graphite, names are prefixed with prefix
func StartGraphiteSender(registry metrics.Registry, prefix string, flushDuration time.Duration, url string) error {
	log.Infof("[graphite] setup graphite client with url: %s, prefix: %s", url, prefix)
	addr, err := net.ResolveTCPAddr("tcp", url)
	if err != nil {
		return fmt.Errorf("[graphite] ResolveTCPAddr on [%s] failed: %w", url, err)
	}
	go graphite.Graphite(registry, flushDuration, prefix, addr)
	return nil
}

// FlushGraphite sends registry once, used to publish the final values of a run
func FlushGraphite(registry metrics.Registry, prefix string, url string) error {
	addr, err := net.ResolveTCPAddr("tcp", url)
	if err != nil {
		return fmt.Errorf("[graphite] ResolveTCPAddr on [%s] failed: %w", url, err)
	}
	return graphite.Once(graphite.Config{
		Addr:          addr,
		Registry:      registry,
		FlushInterval: time.Second,
		DurationUnit:  time.Millisecond,
		Prefix:        prefix,
		Percentiles:   []float64{0.5, 0.9, 0.95, 0.99},
	})
}

func timeHumanReadable(t time.Time, timezone string) string {
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t.String()
	}
	return t.In(location).String()
}
