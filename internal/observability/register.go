package observability

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrCollectorConflict is returned when a metric name is already registered
// with a collector of another kind.
var ErrCollectorConflict = errors.New("observability: collector registered with another type")

// register adds c to reg. If an identical collector is already registered
// the existing one is returned, so that several simulations sharing a
// registry update the same series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var zero T
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return zero, err
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return zero, fmt.Errorf("%w: have %T, want %T", ErrCollectorConflict, are.ExistingCollector, c)
	}
	return existing, nil
}

// gathererOf returns the gatherer behind reg, if it has one.
func gathererOf(reg prometheus.Registerer) prometheus.Gatherer {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return g
	}
	return prometheus.DefaultGatherer
}
