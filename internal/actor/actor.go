// Package actor provides the small vocabulary every long-lived tedge-agent
// component is built from: an Actor interface and a runner that starts a
// fixed topology and waits for shutdown.
//
// The model is cooperative and single-threaded per actor: an actor's Run
// method suspends at recv/send/timer/network points and never blocks the
// caller's goroutine indefinitely without yielding. Many actors may run
// concurrently on the Go scheduler; no actor's state is shared directly —
// cross-actor data moves only as messages, over plain channels each actor
// declares for the message types it actually receives (spec.md §5).
package actor

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Actor is a long-lived component with a single input loop. Run returns
// only on terminal error or a shutdown signal (ctx.Done or a closed input
// channel); a nil return means a clean shutdown.
type Actor interface {
	Name() string
	Run(ctx context.Context) error
}

// Run starts every actor in actors as its own goroutine and blocks until
// either ctx is canceled or one of them returns a non-nil error, at which
// point ctx is canceled (via the returned cancel) so siblings unwind.
// The first non-nil error observed is returned; all actors are given a
// chance to finish via their own ctx.Done handling before Run returns.
func Run(ctx context.Context, actors ...Actor) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, len(actors))

	for _, a := range actors {
		wg.Add(1)
		go func(a Actor) {
			defer wg.Done()
			log.Debug().Str("actor", a.Name()).Msg("actor starting")
			err := a.Run(runCtx)
			if err != nil {
				log.Error().Str("actor", a.Name()).Err(err).Msg("actor exited with error")
			} else {
				log.Debug().Str("actor", a.Name()).Msg("actor stopped")
			}
			errs <- err
		}(a)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	var firstErr error
	for err := range errs {
		if err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return fmt.Errorf("actor runtime: %w", firstErr)
	}
	return nil
}
