package memory

import (
	"context"
	"sync"
	"time"

	"cointracer/internal/core"
)

// Gate holds calls of one operation until released.
type Gate struct {
	reached     chan struct{}
	release     chan struct{}
	reachOnce   sync.Once
	releaseOnce sync.Once
}

// Reached is closed once a call is waiting at the gate.
func (g *Gate) Reached() <-chan struct{} { return g.reached }

func (g *Gate) Release() {
	g.releaseOnce.Do(func() { close(g.release) })
}

type faults struct {
	mu    sync.Mutex
	fail  map[string]error
	gates map[string]*Gate
	calls map[string]int
}

func newFaults() *faults {
	return &faults{
		fail:  map[string]error{},
		gates: map[string]*Gate{},
		calls: map[string]int{},
	}
}

func (f *faults) failNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

func (f *faults) hold(op string) *Gate {
	g := &Gate{reached: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[op] = g
	f.mu.Unlock()
	return g
}

func (f *faults) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// enter records the call, waits at a gate if one is set and returns any injected failure.
func (f *faults) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	g := f.gates[op]
	f.mu.Unlock()

	if g != nil {
		g.reachOnce.Do(func() { close(g.reached) })
		select {
		case <-g.release:
			f.mu.Lock()
			if f.gates[op] == g {
				delete(f.gates, op)
			}
			f.mu.Unlock()
		case <-ctx.Done():
			return core.NetworkFailure(op, ctx.Err())
		}
	}

	f.mu.Lock()
	err, ok := f.fail[op]
	delete(f.fail, op)
	f.mu.Unlock()
	if ok {
		return err
	}
	if err := ctx.Err(); err != nil {
		return core.NetworkFailure(op, err)
	}
	return nil
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
