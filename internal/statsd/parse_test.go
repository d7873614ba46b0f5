package statsd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedaly/caesium/internal/cserr"
)

func TestParseDatagramSingleSample(t *testing.T) {
	samples, err := ParseDatagram([]byte("service.latency:42|ms"))
	require.NoError(t, err)
	require.Equal(t, []Sample{{Metric: "service.latency", Value: 42}}, samples)
}

func TestParseDatagramMultipleLines(t *testing.T) {
	samples, err := ParseDatagram([]byte("a:1|ms\nb:2|ms\n"))
	require.NoError(t, err)
	require.Equal(t, []Sample{{Metric: "a", Value: 1}, {Metric: "b", Value: 2}}, samples)
}

func TestParseDatagramSkipsUnrecognizedType(t *testing.T) {
	samples, err := ParseDatagram([]byte("a:1|c\nb:2|ms"))
	require.NoError(t, err)
	require.Equal(t, []Sample{{Metric: "b", Value: 2}}, samples)
}

func TestParseDatagramRejectsMissingColon(t *testing.T) {
	_, err := ParseDatagram([]byte("nocolonhere"))
	require.Equal(t, cserr.KindBadRequest, cserr.KindOf(err))
}

func TestParseDatagramRejectsNegativeValue(t *testing.T) {
	_, err := ParseDatagram([]byte("a:-1|ms"))
	require.Equal(t, cserr.KindBadRequest, cserr.KindOf(err))
}

func TestParseDatagramRejectsInvalidMetricName(t *testing.T) {
	_, err := ParseDatagram([]byte("bad name!:1|ms"))
	require.Equal(t, cserr.KindBadRequest, cserr.KindOf(err))
}

func TestParseDatagramRejectsOversized(t *testing.T) {
	big := strings.Repeat("a", MaxDatagramBytes+1)
	_, err := ParseDatagram([]byte(big))
	require.Equal(t, cserr.KindBadRequest, cserr.KindOf(err))
}
