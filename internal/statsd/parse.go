// Package statsd parses StatsD-style UDP datagrams into timing samples for
// Caesium's daemon. Only the timer type ("ms") carrying a non-negative
// integer value is accepted; spec.md scopes Caesium to response-time and
// other positive-integer metrics, not counters or gauges.
package statsd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wedaly/caesium/internal/cserr"
)

// MaxDatagramBytes matches the conventional StatsD/UDP MTU safety margin.
const MaxDatagramBytes = 1472

// Sample is one parsed "metric:value|ms" line.
type Sample struct {
	Metric string
	Value  uint64
}

var metricCharset = func(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '.' || r == '-'
}

func validMetricName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	for _, r := range name {
		if !metricCharset(r) {
			return false
		}
	}
	return true
}

// ParseDatagram splits a UDP payload on newlines and parses each line as
// "metric:value|type". Lines with an unrecognized type are skipped;
// malformed lines fail the whole datagram, since a corrupt datagram likely
// indicates a misconfigured client worth surfacing rather than silently
// dropping half its samples.
func ParseDatagram(b []byte) ([]Sample, error) {
	if len(b) > MaxDatagramBytes {
		return nil, cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("datagram exceeds %d bytes", MaxDatagramBytes))
	}

	var samples []Sample
	lines := strings.Split(string(b), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sample, ok, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		if ok {
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func parseLine(line string) (Sample, bool, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return Sample{}, false, cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("missing ':' in %q", line))
	}
	metric := line[:colon]
	rest := line[colon+1:]

	pipe := strings.IndexByte(rest, '|')
	if pipe < 0 {
		return Sample{}, false, cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("missing '|' in %q", line))
	}
	valueStr := rest[:pipe]
	typ := rest[pipe+1:]

	if typ != "ms" {
		return Sample{}, false, nil
	}
	if !validMetricName(metric) {
		return Sample{}, false, cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("invalid metric name %q", metric))
	}

	value, err := strconv.ParseUint(valueStr, 10, 64)
	if err != nil {
		return Sample{}, false, cserr.Wrap(cserr.KindBadRequest, fmt.Errorf("invalid value %q for metric %q", valueStr, metric))
	}

	return Sample{Metric: metric, Value: value}, true, nil
}
