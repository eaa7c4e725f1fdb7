package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.Registry)
	assert.NotNil(t, tel.Meter)
	assert.NotNil(t, tel.Tracer)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNew_EnabledExportsToRegistry(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "gojotxn-test"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, shutdown(context.Background())) }()

	counter, err := tel.Meter.Int64Counter("gojotxn.test.events")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := tel.Registry.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "gojotxn_test_events") {
			found = true
		}
	}
	assert.True(t, found, "counter missing from the prometheus registry")
}
