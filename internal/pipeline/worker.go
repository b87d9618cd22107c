package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/tablewatch/internal/store"
	"github.com/andresmejia3/tablewatch/internal/types"
)

// State is the worker's position in its claim/stream/release cycle.
type State int32

const (
	Idle State = iota
	Claiming
	Streaming
	Releasing
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Claiming:
		return "claiming"
	case Streaming:
		return "streaming"
	case Releasing:
		return "releasing"
	case Shutdown:
		return "shutdown"
	}
	return "unknown"
}

// Worker claims one stream at a time from the shared store and runs it
// through the pipeline. Exactly one session is active at a time.
type Worker struct {
	ID             string
	Store          store.ClaimStore
	Pipeline       *Pipeline
	RetryDelay     time.Duration
	ReleaseTimeout time.Duration
	// Log receives worker and session logs; every line carries the worker ID.
	Log            *slog.Logger

	log   *slog.Logger
	state atomic.Int32
}

// State reports the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Debug("Worker state changed", "state", s)
}

// Run loops until ctx is cancelled or a fatal pipeline error occurs.
// Every claimed table is released before Run returns, including on
// cancellation. A cancelled context is a clean shutdown and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.log = w.Log.With("worker", w.ID)
	defer w.setState(Shutdown)

	for {
		w.setState(Idle)
		if ctx.Err() != nil {
			return nil
		}

		w.setState(Claiming)
		a, err := w.claim(ctx)
		if err != nil {
			return nil // cancelled while waiting for a stream
		}

		err = w.serve(ctx, a)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil && w.Pipeline.isFatal(err):
			return err
		case err != nil:
			// Avoid hot-looping on a stream that fails to open.
			if !w.sleep(ctx, w.RetryDelay) {
				return nil
			}
		}
	}
}

// claim polls the store until an assignment is available or ctx ends.
func (w *Worker) claim(ctx context.Context) (types.StreamAssignment, error) {
	for {
		a, err := w.Store.ClaimNext(ctx)
		if err == nil {
			w.log.Info("Picked stream", "stream_id", a.ID, "url", a.URL, "table_id", a.TableID)
			return a, nil
		}
		if ctx.Err() != nil {
			return types.StreamAssignment{}, ctx.Err()
		}

		if errors.Is(err, store.ErrNoAssignment) {
			w.log.Info("No available streams to pick", "retry_in", w.RetryDelay)
		} else {
			w.log.Warn("Stream store unavailable", "retry_in", w.RetryDelay, "err", err)
		}
		if !w.sleep(ctx, w.RetryDelay) {
			return types.StreamAssignment{}, ctx.Err()
		}
	}
}

// serve runs one session and always releases the claim afterwards.
func (w *Worker) serve(ctx context.Context, a types.StreamAssignment) (err error) {
	log := w.log.With("stream_id", a.ID, "table_id", a.TableID)
	s := NewSession(a, log)

	defer func() {
		w.release(a.TableID, log)
		log.Info("Session ended",
			"frames_read", s.Stats.FramesRead,
			"frames_sampled", s.Stats.FramesSampled,
			"frame_errors", s.Stats.FrameErrors,
			"events", s.Stats.Events,
			"batches_published", s.Stats.Batches)
	}()

	w.setState(Streaming)
	err = w.Pipeline.Run(ctx, s)
	switch {
	case err == nil:
		log.Info("Stream ended")
	case ctx.Err() != nil:
		log.Info("Shutting down, releasing stream")
	default:
		log.Error("Error processing stream", "url", a.URL, "err", err)
	}
	return err
}

// release clears the claim with a context detached from cancellation so it
// still runs during shutdown. It retries until ReleaseTimeout elapses.
func (w *Worker) release(tableID string, log *slog.Logger) {
	w.setState(Releasing)

	timeout := w.ReleaseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		err := w.Store.Release(ctx, tableID)
		if err == nil {
			log.Info("Released stream")
			return
		}
		log.Warn("Failed to release stream", "err", err)
		if !w.sleep(ctx, 500*time.Millisecond) {
			log.Error("Giving up on release; table stays claimed", "err", err)
			return
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
