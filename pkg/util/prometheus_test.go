package util

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterOrGet(t *testing.T) {
	reg := prometheus.NewRegistry()
	c1 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	require.Same(t, c1, RegisterOrGet(reg, c1))

	// registering a duplicate returns the existing collector
	c2 := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	require.Same(t, c1, RegisterOrGet(reg, c2))
}

func TestRegisterOrGetNilRegisterer(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_total"})
	require.Same(t, c, RegisterOrGet(nil, c))
}
