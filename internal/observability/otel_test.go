package observability

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigServiceNameFallsBackToDefault(t *testing.T) {
	assert.Equal(t, DefaultServiceName, Config{}.serviceName())
	assert.Equal(t, "jobctl", Config{ServiceName: "jobctl"}.serviceName())
}

func TestParseOTLPHeadersReturnsNilWhenUnset(t *testing.T) {
	os.Unsetenv("OTEL_EXPORTER_OTLP_HEADERS")
	assert.Nil(t, parseOTLPHeaders())
}

func TestParseOTLPHeadersURLDecodesValues(t *testing.T) {
	os.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "Authorization=Basic%20token123,X-Scope-OrgID=tenant-1")
	defer os.Unsetenv("OTEL_EXPORTER_OTLP_HEADERS")

	headers := parseOTLPHeaders()
	require.Len(t, headers, 2)
	assert.Equal(t, "Basic token123", headers["Authorization"])
	assert.Equal(t, "tenant-1", headers["X-Scope-OrgID"])
}

func TestParseOTLPHeadersSkipsMalformedPairs(t *testing.T) {
	os.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "no-equals-sign,valid=value")
	defer os.Unsetenv("OTEL_EXPORTER_OTLP_HEADERS")

	headers := parseOTLPHeaders()
	require.Len(t, headers, 1)
	assert.Equal(t, "value", headers["valid"])
}

func TestInitTracerProviderReturnsNoopWhenDisabled(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tp)
}

func TestInitMeterProviderReturnsNoopWhenDisabled(t *testing.T) {
	mp, err := InitMeterProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, mp)
}

func TestInitLoggerReturnsPlainJSONLoggerWhenDisabled(t *testing.T) {
	lp, logger, err := InitLogger(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, lp)
	require.NotNil(t, logger)
}
