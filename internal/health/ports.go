package health

import (
	"context"
	"time"

	"switchyard"
)

// Clock abstracts wall-clock reads so the scan loop is testable.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Store is the slice of the registry the monitor needs.
type Store interface {
	Instance(ctx context.Context, id string) (switchyard.Instance, error)
	UpdateInstance(ctx context.Context, inst switchyard.Instance) error
	UpdateInstanceGuarded(ctx context.Context, id string, mutate func(switchyard.Instance) (switchyard.Instance, bool)) (bool, error)
	ListInstances(ctx context.Context) ([]switchyard.Instance, error)
	RemoveRoutes(ctx context.Context, id string) error
}
