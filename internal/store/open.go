package store

import (
	"context"
	"fmt"
)

// Open returns the job store for driver ("memory" or "postgres") and a function
// that releases it.
func Open(ctx context.Context, driver, dsn string) (JobStore, func() error, error) {
	switch driver {
	case "memory":
		return NewMemoryJobStore(), func() error { return nil }, nil
	case "postgres":
		pg, err := NewPostgresJobStore(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
