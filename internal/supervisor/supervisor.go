// Package supervisor drives the engine: it owns every background goroutine
// and delivers work to the engine's owner context.
//
// Four loops run concurrently:
//
//   - ingest:      polls the chat channel for new messages every
//     poll_seconds (+ jitter) and feeds them to the engine in id order.
//   - maintenance: runs the engine's time/poll-driven transitions on the
//     same cadence.
//   - amendments:  re-reads source messages every signal_update_interval.
//   - stream pump: consumes the private execution stream and forwards each
//     event to the engine.
//
// The supervisor never mutates trade state itself.
package supervisor

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"signal-executor/internal/chat"
	"signal-executor/internal/config"
	"signal-executor/internal/engine"
	"signal-executor/internal/venue"
)

const (
	fetchPageSize     = 50
	heartbeatInterval = 5 * time.Minute
)

// Supervisor wires the tickers and the stream pump to the engine.
type Supervisor struct {
	cfg    *config.Config
	eng    *engine.Engine
	chat   *chat.Client
	stream *venue.PrivateStream // nil in dry-run mode

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a supervisor. stream may be nil (dry-run: no private stream).
func New(cfg *config.Config, eng *engine.Engine, chatClient *chat.Client, stream *venue.PrivateStream, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		eng:    eng,
		chat:   chatClient,
		stream: stream,
		logger: logger.With("component", "supervisor"),
	}
}

// Run starts all loops and blocks until ctx is cancelled and every loop has
// drained.
func (s *Supervisor) Run(ctx context.Context) {
	if s.stream != nil {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			if err := s.stream.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("private stream stopped", "error", err)
			}
		}()
		go func() {
			defer s.wg.Done()
			s.pumpStream(ctx)
		}()
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.ingestLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.maintenanceLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.amendmentLoop(ctx)
	}()

	s.heartbeatLoop(ctx)
	s.wg.Wait()

	if s.stream != nil {
		s.stream.Close()
	}
	s.logger.Info("supervisor stopped")
}

// pollInterval returns the base cadence plus a fresh jitter, so multiple
// instances never sync up against the chat API.
func (s *Supervisor) pollInterval() time.Duration {
	base := time.Duration(s.cfg.Timing.PollSeconds) * time.Second
	if s.cfg.Timing.PollJitterMax > 0 {
		base += time.Duration(rand.Int63n(int64(s.cfg.Timing.PollJitterMax)+1)) * time.Second
	}
	return base
}

// ingestLoop fetches new channel messages and hands them to the engine in
// ascending id order.
func (s *Supervisor) ingestLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.pollInterval()):
		}

		msgs, err := s.chat.FetchAfter(ctx, s.eng.LastSeenMsgID(), fetchPageSize)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("message fetch failed", "error", err)
			}
			continue
		}
		for _, msg := range msgs {
			s.eng.HandleMessage(ctx, msg)
		}
	}
}

func (s *Supervisor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.cfg.Timing.PollSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.eng.MaintenanceTick(ctx)
		}
	}
}

func (s *Supervisor) amendmentLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Timing.SignalUpdateIntervalS) * time.Second
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.eng.AmendmentTick(ctx)
		}
	}
}

// pumpStream forwards private-stream events onto the engine.
func (s *Supervisor) pumpStream(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.stream.Events():
			s.eng.OnStreamEvent(ctx, ev)
		}
	}
}

// heartbeatLoop logs liveness until ctx is cancelled. Runs on the caller's
// goroutine so Run blocks for the process lifetime.
func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("heartbeat", "active_trades", len(s.eng.ActiveTradeIDs()))
		}
	}
}
