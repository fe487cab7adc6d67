package service

import (
	"context"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/broadcast"
	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// Subscribe streams a run's events with seq > afterSeq. It subscribes to
// live events before reading the store so nothing recorded in between is
// missed, then forwards each seq exactly once and in order. The channel
// closes after the terminal event or when ctx is done.
func (s *Service) Subscribe(ctx context.Context, runID string, afterSeq int64) (<-chan domain.RunEvent, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	sub, err := s.broadcaster.Subscribe(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan domain.RunEvent)
	f := &follower{s: s, runID: runID, last: afterSeq, out: out, sub: sub, ended: run.Status.IsTerminal()}
	go func() {
		defer close(out)
		defer func() { f.sub.Close() }()
		f.run(ctx)
	}()
	return out, nil
}

type follower struct {
	s     *Service
	runID string
	last  int64
	out   chan<- domain.RunEvent
	sub   *broadcast.Subscription
	// ended is set when the run was already terminal at subscribe time.
	ended bool
}

func (f *follower) run(ctx context.Context) {
	if f.catchUp(ctx) || f.ended {
		return
	}
	ticker := time.NewTicker(f.s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.sub.C:
			if !ok {
				// Closed after a terminal event, or dropped for falling
				// behind. Either way the store has everything published.
				if f.catchUp(ctx) || ctx.Err() != nil {
					return
				}
				if !f.resubscribe(ctx) {
					return
				}
				continue
			}
			if ev.Seq <= f.last {
				continue
			}
			if ev.Seq > f.last+1 {
				if f.catchUp(ctx) {
					return
				}
				if ev.Seq <= f.last {
					continue
				}
			}
			if !f.send(ctx, ev) || ev.IsTerminal() {
				return
			}
		case <-ticker.C:
			if f.catchUp(ctx) || f.finishedOutOfBand(ctx) {
				return
			}
		}
	}
}

// catchUp forwards stored events after the last one sent. It reports true
// when the stream is over: a terminal event was sent, or it cannot go on.
func (f *follower) catchUp(ctx context.Context) bool {
	events, err := f.s.store.ListEvents(ctx, f.runID, f.last, 0)
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf(ctx, err, "failed to read events of run %s", f.runID)
		}
		return true
	}
	for _, ev := range events {
		if !f.send(ctx, ev) || ev.IsTerminal() {
			return true
		}
	}
	return false
}

func (f *follower) send(ctx context.Context, ev domain.RunEvent) bool {
	select {
	case f.out <- ev:
		f.last = ev.Seq
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *follower) resubscribe(ctx context.Context) bool {
	f.sub.Close()
	sub, err := f.s.broadcaster.Subscribe(ctx, f.runID)
	if err != nil {
		log.Errorf(ctx, err, "failed to resubscribe to run %s", f.runID)
		return false
	}
	f.sub = sub
	return !f.catchUp(ctx)
}

// finishedOutOfBand reports whether the run ended without a terminal event,
// as happens when its log could not be written.
func (f *follower) finishedOutOfBand(ctx context.Context) bool {
	run, err := f.s.store.GetRun(ctx, f.runID)
	if err != nil || run == nil {
		return true
	}
	if !run.Status.IsTerminal() {
		return false
	}
	f.catchUp(ctx)
	return true
}
