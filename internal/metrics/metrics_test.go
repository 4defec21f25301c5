package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_RegistersAll(t *testing.T) {
	m := NewMetrics()
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	m.RateLimited.Inc()
	m.MessagesDropped.WithLabelValues("no_uuid").Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.RateLimited))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.MessagesDropped.WithLabelValues("no_uuid")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRegister_Duplicate(t *testing.T) {
	m := NewMetrics()
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	assert.Error(t, m.Register(reg))
}
