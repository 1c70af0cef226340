package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/oculair/letta-matrix-bridge/internal/bridge/letta"
)

// DriverConfig controls the two stream timeouts from §5: a total
// deadline and an idle-data deadline that's reset by any non-ping event.
type DriverConfig struct {
	Total           time.Duration // default 120s
	IdleData        time.Duration // default 120s
	IncludeReasoning bool
	IncludePings    bool
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.Total <= 0 {
		c.Total = 120 * time.Second
	}
	if c.IdleData <= 0 {
		c.IdleData = 120 * time.Second
	}
	return c
}

// Driver runs a Letta step stream and delivers each parsed Event to a
// Handler, enforcing the total/idle-data timeouts with a synthetic
// timeout error event on expiry.
type Driver struct {
	letta *letta.Client
	cfg   DriverConfig
}

// NewDriver builds a stream driver.
func NewDriver(lettaClient *letta.Client, cfg DriverConfig) *Driver {
	return &Driver{letta: lettaClient, cfg: cfg.withDefaults()}
}

// Run streams agentID's reply to messages, feeding every Event to
// handler until the stream ends, the handler asks to stop, or a timeout
// synthesizes a terminal error event.
func (d *Driver) Run(ctx context.Context, agentID string, messages []letta.Message, handler Handler) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Total)
	defer cancel()

	parser := NewParser(d.cfg.IncludeReasoning)

	var mu sync.Mutex
	idleTimer := time.NewTimer(d.cfg.IdleData)
	defer idleTimer.Stop()

	resetIdle := func() {
		mu.Lock()
		defer mu.Unlock()
		if !idleTimer.Stop() {
			select {
			case <-idleTimer.C:
			default:
			}
		}
		idleTimer.Reset(d.cfg.IdleData)
	}

	done := make(chan error, 1)
	go func() {
		done <- d.letta.StreamStepMessages(ctx, agentID, messages, d.cfg.IncludePings, func(chunk letta.StepMessage) error {
			evt, ok := parser.Parse(chunk)
			if !ok {
				return nil
			}
			if evt.Kind != KindPing {
				resetIdle()
			}
			return handler.Handle(evt)
		})
	}()

	select {
	case err := <-done:
		handler.Cleanup()
		return err
	case <-ctx.Done():
		handler.Handle(Event{Kind: KindError, ErrType: "timeout", Content: "stream exceeded total time budget"})
		handler.Cleanup()
		return ctx.Err()
	case <-idleTimer.C:
		handler.Handle(Event{Kind: KindError, ErrType: "timeout", Content: "stream exceeded idle-data time budget"})
		handler.Cleanup()
		return errIdleTimeout
	}
}

var errIdleTimeout = &timeoutError{"stream idle-data timeout exceeded"}

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }
