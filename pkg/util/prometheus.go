package util

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterOrGet registers c with reg, returning the previously
// registered instance when c is a duplicate. A nil registerer returns
// the collector unregistered.
func RegisterOrGet[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector.(T)
		}
		panic(err)
	}
	return c
}
