package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrInitAborted is returned to callers whose initialization was overtaken by
// Cleanup or Reconnect.
var ErrInitAborted = errors.New("realtime: initialization aborted")

type initPhase int32

const (
	phaseIdle initPhase = iota
	phaseInitializing
	phaseReady
	phaseFailed
)

func (p initPhase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseInitializing:
		return "initializing"
	case phaseReady:
		return "ready"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// initCoordinator makes initialization single-flight.
// Idle|Failed -> Initializing -> Ready|Failed; reset returns to Idle and bumps
// the generation so a flight finishing afterwards cannot mark Ready.
type initCoordinator struct {
	mu      sync.Mutex
	phase   initPhase
	gen     uint64
	flight  uint64
	lastErr error

	group singleflight.Group
}

// do runs fn once for all concurrent callers. fn runs on a context detached
// from the caller's cancellation; a caller whose ctx ends stops waiting
// without cancelling the flight.
//
// The phase check and DoChan share c.mu, and a flight settles its phase under
// c.mu before singleflight forgets its key, so phaseInitializing always means
// the keyed call is still registered and joinable.
func (c *initCoordinator) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c.mu.Lock()
	if c.phase == phaseReady {
		c.mu.Unlock()
		return nil
	}
	if c.phase != phaseInitializing {
		c.flight++
		c.phase = phaseInitializing
	}
	gen := c.gen
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(c.flight, 10), func() (any, error) {
		err := fn(flightCtx)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.gen != gen {
			return nil, ErrInitAborted
		}
		if err != nil {
			c.phase = phaseFailed
			c.lastErr = err
			return nil, err
		}
		c.phase = phaseReady
		c.lastErr = nil
		return nil, nil
	})
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *initCoordinator) reset() {
	c.mu.Lock()
	c.gen++
	c.phase = phaseIdle
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *initCoordinator) current() initPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *initCoordinator) ready() bool {
	return c.current() == phaseReady
}

func (c *initCoordinator) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}
