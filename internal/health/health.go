// Package health runs named subsystem checks for the /health endpoint.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Status is the result of one check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry. Each check gets timeout to answer.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Registry{timeout: timeout}
}

// Register adds a named checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and reports whether all passed.
// Statuses keep registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			st.Name = nc.name
			statuses[i] = st
		}()
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func result(err error) Status {
	if err != nil {
		return Status{Healthy: false, Detail: err.Error()}
	}
	return Status{Healthy: true}
}

// Database pings the order store.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		return result(db.PingContext(ctx))
	}
}

// Redis pings the notification broker.
func Redis(client *redis.Client) Checker {
	return func(ctx context.Context) Status {
		return result(client.Ping(ctx).Err())
	}
}

// Chain reports the escrow node's head block.
func Chain(blockNumber func(ctx context.Context) (uint64, error)) Checker {
	return func(ctx context.Context) Status {
		head, err := blockNumber(ctx)
		if err != nil {
			return result(err)
		}
		return Status{Healthy: true, Detail: fmt.Sprintf("head %d", head)}
	}
}
