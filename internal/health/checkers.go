package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/voxbridge/internal/resilience"
)

// Breakers reports upstream circuit breaker state.
type Breakers interface {
	Healthy() bool
	BreakerStates() map[string]resilience.State
}

// UpstreamChecker fails while every upstream endpoint's circuit is open, so
// that load balancers stop routing new clients to a relay that would reject
// them immediately.
func UpstreamChecker(b Breakers) Checker {
	return Checker{
		Name: "upstream",
		Check: func(context.Context) error {
			if b.Healthy() {
				return nil
			}
			states := b.BreakerStates()
			names := make([]string, 0, len(states))
			for name, st := range states {
				names = append(names, fmt.Sprintf("%s=%s", name, st))
			}
			sort.Strings(names)
			return fmt.Errorf("all upstream circuits open (%s)", strings.Join(names, ", "))
		},
	}
}

// ConfigChecker fails until loaded reports true.
func ConfigChecker(loaded func() bool) Checker {
	return Checker{
		Name: "config",
		Check: func(context.Context) error {
			if !loaded() {
				return errors.New("configuration not loaded")
			}
			return nil
		},
	}
}

// DrainingChecker fails once the server started shutting down.
func DrainingChecker(draining func() bool) Checker {
	return Checker{
		Name: "draining",
		Check: func(context.Context) error {
			if draining() {
				return errors.New("shutting down")
			}
			return nil
		},
	}
}
