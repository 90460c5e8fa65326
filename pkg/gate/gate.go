package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stewardmcp/steward/internal/observability"
)

// Gate holds one capacity-1 slot per serialized category. Waiters queue on
// the slot channel, which the runtime services in rough arrival order: no
// priority, no starvation under normal load.
type Gate struct {
	write chan struct{}
	exec  chan struct{}

	writeInFlight atomic.Int32
	execInFlight  atomic.Int32
}

// New creates a gate with free write and execute slots.
func New() *Gate {
	return &Gate{
		write: make(chan struct{}, 1),
		exec:  make(chan struct{}, 1),
	}
}

// Acquire blocks until the category's slot is free or ctx is done. READ
// acquires nothing. The returned release function must be called exactly
// once; it is safe to call even for READ.
func (g *Gate) Acquire(ctx context.Context, category Category) (func(), error) {
	var slot chan struct{}
	var inFlight *atomic.Int32

	switch category {
	case CategoryWrite:
		slot, inFlight = g.write, &g.writeInFlight
	case CategoryExecute:
		slot, inFlight = g.exec, &g.execInFlight
	default:
		return func() {}, nil
	}

	start := time.Now()
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	observability.ObserveGateWait(string(category), time.Since(start))

	n := inFlight.Add(1)
	observability.SetGateInFlight(string(category), int(n))

	var released atomic.Bool
	return func() {
		if !released.CompareAndSwap(false, true) {
			return
		}
		m := inFlight.Add(-1)
		observability.SetGateInFlight(string(category), int(m))
		<-slot
	}, nil
}

// InFlight reports how many calls of the category hold the gate right now.
// READ always reports zero; it is never gated.
func (g *Gate) InFlight(category Category) int {
	switch category {
	case CategoryWrite:
		return int(g.writeInFlight.Load())
	case CategoryExecute:
		return int(g.execInFlight.Load())
	default:
		return 0
	}
}
