package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/config"
	"github.com/lorecraft/cardsmith/common/logger"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/queue"
	"github.com/lorecraft/cardsmith/common/telemetry"
)

var (
	runsStarted = telemetry.Counter("runs_started")
	runsStopped = telemetry.Counter("runs_stopped")
)

// RunStartTopic is the queue topic run launches travel over. The HTTP
// handler publishes; the consumer started at boot executes the loop.
const RunStartTopic = "cardsmith.run.start"

// EventChannel is the Redis pub/sub channel for one run's live events.
func EventChannel(runID uuid.UUID) string {
	return "run.events." + runID.String()
}

// RunService owns the lifecycle of autonomous runs: starting them,
// executing the turn loop in the background, cancelling, and serving the
// resumable event stream.
type RunService struct {
	runs    RunStore
	drafts  *DraftService
	pending PendingStore
	turns   *TurnExecutor
	queue   queue.Queue
	pub     EventPublisher
	cfg     config.RunConfig
	log     *logger.Logger

	// supervisor registry: runID -> cancel for loops hosted by this
	// process. Single-node by design; a run whose process died is
	// cancellable only through the direct status write in Cancel.
	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	// Serializes event appends so the ping goroutine and the turn loop
	// never contend for the same seq.
	emitMu sync.Mutex
}

// RunServiceOpts contains options for creating a RunService
type RunServiceOpts struct {
	Runs    RunStore
	Drafts  *DraftService
	Pending PendingStore
	Turns   *TurnExecutor
	Queue   queue.Queue
	Pub     EventPublisher
	Config  config.RunConfig
	Logger  *logger.Logger
}

// NewRunService creates a new run service with options pattern
func NewRunService(opts *RunServiceOpts) *RunService {
	return &RunService{
		runs:    opts.Runs,
		drafts:  opts.Drafts,
		pending: opts.Pending,
		turns:   opts.Turns,
		queue:   opts.Queue,
		pub:     opts.Pub,
		cfg:     opts.Config,
		log:     opts.Logger,
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartRunRequest carries the options frozen into a new run.
type StartRunRequest struct {
	RequestID   string `json:"request_id"`
	Instruction string `json:"instruction"`
	AutoApply   bool   `json:"auto_apply"`
	MaxTurns    int    `json:"max_turns"`
}

// Start creates a run for the draft and schedules its loop. A duplicate
// request id returns the existing run without scheduling anything; a
// different concurrent start is refused as busy.
func (s *RunService) Start(ctx context.Context, draftID uuid.UUID, req *StartRunRequest) (*models.Run, error) {
	if req.Instruction == "" {
		return nil, apperr.Validation("instruction is required")
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.cfg.DefaultMaxTurns
	}
	if maxTurns > s.cfg.MaxTurnsCap {
		maxTurns = s.cfg.MaxTurnsCap
	}

	head, err := s.drafts.Head(ctx, draftID)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		RunID:       uuid.New(),
		DraftID:     draftID,
		BaseVersion: head.Version,
		Version:     head.Version,
		Status:      models.RunRunning,
		AutoApply:   req.AutoApply,
		MaxTurns:    maxTurns,
		Instruction: req.Instruction,
	}
	if req.RequestID != "" {
		run.RequestID = &req.RequestID
	}

	created, err := s.runs.CreateIfIdle(ctx, run)
	if err != nil {
		return nil, err
	}
	if created.RunID != run.RunID {
		// Idempotent replay of an earlier start.
		return created, nil
	}

	payload, err := json.Marshal(map[string]string{"run_id": run.RunID.String()})
	if err != nil {
		return nil, fmt.Errorf("encode run start message: %w", err)
	}
	if err := s.queue.Publish(ctx, RunStartTopic, run.RunID.String(), payload); err != nil {
		// The run row exists but nothing will drive it; surface the failure
		// rather than leaving a zombie.
		_, _ = s.runs.Finish(ctx, run.RunID, models.StopError, "failed to schedule run loop")
		return nil, fmt.Errorf("schedule run loop: %w", err)
	}

	runsStarted.Add(1)
	s.log.Info("run started",
		"run_id", run.RunID,
		"draft_id", draftID,
		"base_version", run.BaseVersion,
		"auto_apply", run.AutoApply,
		"max_turns", run.MaxTurns)
	return created, nil
}

// StartConsumer subscribes the loop executor to the start topic. Called
// once at boot; the subscription lives until ctx ends.
func (s *RunService) StartConsumer(ctx context.Context) error {
	return s.queue.Subscribe(ctx, RunStartTopic, func(ctx context.Context, key string, value []byte) error {
		var msg struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(value, &msg); err != nil {
			return fmt.Errorf("decode run start message: %w", err)
		}
		runID, err := uuid.Parse(msg.RunID)
		if err != nil {
			return fmt.Errorf("bad run id %q: %w", msg.RunID, err)
		}
		s.loop(ctx, runID)
		return nil
	})
}

// Get returns the run.
func (s *RunService) Get(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	return s.runs.Get(ctx, runID)
}

// Cancel requests cooperative cancellation. Cancelling a stopped run, or
// cancelling twice, is a no-op that reports the current state.
func (s *RunService) Cancel(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Stopped() {
		return run, nil
	}

	s.mu.Lock()
	cancel, hosted := s.cancels[runID]
	s.mu.Unlock()

	if hosted {
		// The loop observes the cancellation and writes the terminal state
		// itself, between turns or mid-agent-call.
		cancel()
		return run, nil
	}

	// No loop in this process (it crashed or the service restarted). Stop
	// the run directly so the draft is released.
	s.finish(ctx, runID, models.StopCanceled, "canceled with no active loop")
	return s.runs.Get(ctx, runID)
}

// Events returns the run's events after the given sequence number.
func (s *RunService) Events(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	if _, err := s.runs.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.runs.ListEventsAfter(ctx, runID, afterSeq, limit)
}

// RunResult is the summary returned once a run has stopped.
type RunResult struct {
	Run          *models.Run `json:"run"`
	FinalVersion int64       `json:"final_version"`
	TotalTurns   int         `json:"total_turns"`
}

// Result returns the run's final summary, or busy while it is still going.
func (s *RunService) Result(ctx context.Context, runID uuid.UUID) (*RunResult, error) {
	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Stopped() {
		return nil, apperr.New(apperr.CodeBusy, "run %s is still running", runID)
	}
	return &RunResult{Run: run, FinalVersion: run.Version, TotalTurns: run.Turns}, nil
}

// loop drives one run to its terminal state. It re-reads run status every
// iteration, checks the stop conditions in a fixed order, and emits events
// as it goes. Exactly one terminal event ends the stream.
func (s *RunService) loop(parent context.Context, runID uuid.UUID) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
	}()

	log := s.log.WithRunID(runID.String())
	log.Info("run loop starting")

	stopPing := s.startPing(ctx, runID)
	defer stopPing()

	noChangeStreak := 0

	for {
		run, err := s.runs.Get(ctx, runID)
		if err != nil {
			log.Error("run loop cannot read run", "error", err)
			s.finish(parent, runID, models.StopError, "run state unreadable")
			return
		}
		if run.Stopped() {
			return
		}

		if ctx.Err() != nil {
			s.finish(parent, runID, models.StopCanceled, "canceled")
			return
		}

		if run.Turns >= run.MaxTurns {
			s.finish(ctx, runID, models.StopMaxTurns, fmt.Sprintf("reached %d turns", run.MaxTurns))
			return
		}

		// An unresolved review parks the whole run, not just the turn.
		if action, err := s.pending.Get(ctx, run.DraftID); err == nil && action != nil {
			s.finish(ctx, runID, models.StopDone, fmt.Sprintf("paused for %s", action.Kind))
			return
		}

		turnNo := run.Turns + 1
		outcome, err := s.turns.Execute(ctx, &TurnRequest{
			DraftID:     run.DraftID,
			RequestID:   fmt.Sprintf("%s:turn:%d", runID, turnNo),
			Instruction: run.Instruction,
			AutoApply:   run.AutoApply,
		})
		if err != nil {
			if ctx.Err() != nil {
				s.finish(parent, runID, models.StopCanceled, "canceled during agent call")
				return
			}
			log.Error("turn failed", "turn", turnNo, "error", err)
			s.emit(ctx, runID, models.EventError, map[string]any{
				"turn":  turnNo,
				"error": apperr.AsError(err).Message,
			})
			s.finish(ctx, runID, models.StopError, apperr.AsError(err).Message)
			return
		}

		s.emit(ctx, runID, models.EventOutput, map[string]any{
			"turn": turnNo,
			"text": outcome.OutputText,
		})

		version := run.Version
		if outcome.Version > version {
			version = outcome.Version
		}
		if err := s.runs.UpdateProgress(ctx, runID, turnNo, version); err != nil {
			log.Error("failed to update run progress", "error", err)
		}
		s.emit(ctx, runID, models.EventProgress, map[string]any{
			"turn":    turnNo,
			"version": version,
		})

		switch {
		case !outcome.OK && outcome.Fatal:
			// The ops were well-formed but could not land: apply failure,
			// version conflict, or a store error. Nothing a retry can fix.
			s.emit(ctx, runID, models.EventError, map[string]any{
				"turn":  turnNo,
				"error": outcome.ErrorMessage,
			})
			s.finish(ctx, runID, models.StopError, outcome.ErrorMessage)
			return

		case !outcome.OK:
			// The agent misbehaved but the upstream is healthy; give it the
			// error via the audit trail and count the turn as changeless.
			noChangeStreak++

		case outcome.Paused != "":
			s.emit(ctx, runID, models.EventPendingAction, map[string]any{
				"turn": turnNo,
				"kind": string(outcome.Paused),
			})
			s.finish(ctx, runID, models.StopDone, fmt.Sprintf("paused for %s", outcome.Paused))
			return

		case outcome.NoIntent:
			s.finish(ctx, runID, models.StopDone, "agent finished")
			return

		case outcome.Applied:
			noChangeStreak = 0
			s.emit(ctx, runID, models.EventPatchApplied, map[string]any{
				"turn":          turnNo,
				"version":       outcome.Version,
				"changed_paths": outcome.ChangedPaths,
			})
			if head, err := s.drafts.Head(ctx, run.DraftID); err == nil && models.PlanComplete(head.Snapshot) {
				s.finish(ctx, runID, models.StopDone, "plan complete")
				return
			}

		default:
			noChangeStreak++
		}

		if noChangeStreak >= s.cfg.NoChangeLimit {
			s.finish(ctx, runID, models.StopNoChange, fmt.Sprintf("%d turns without changes", noChangeStreak))
			return
		}
	}
}

// finish writes the terminal state and appends the single terminal event.
// Safe to call from concurrent paths; only the first transition emits.
func (s *RunService) finish(ctx context.Context, runID uuid.UUID, reason models.StopReason, message string) {
	// The loop context may already be canceled; terminal bookkeeping still
	// has to land.
	if ctx.Err() != nil {
		var release context.CancelFunc
		ctx, release = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer release()
	}

	transitioned, err := s.runs.Finish(ctx, runID, reason, message)
	if err != nil {
		s.log.Error("failed to finish run", "run_id", runID, "error", err)
		return
	}
	if !transitioned {
		return
	}
	runsStopped.Add(1)

	eventType := models.EventFinal
	if reason == models.StopError {
		if terminal, err := s.runs.HasTerminalEvent(ctx, runID); err == nil && terminal {
			// The error event was already emitted where the failure happened.
			s.log.Info("run stopped", "run_id", runID, "reason", reason, "message", message)
			return
		}
		eventType = models.EventError
	}
	s.emit(ctx, runID, eventType, map[string]any{
		"reason":  string(reason),
		"message": message,
	})
	s.log.Info("run stopped", "run_id", runID, "reason", reason, "message", message)
}

// emit appends a durable event and fans it out to live subscribers.
func (s *RunService) emit(ctx context.Context, runID uuid.UUID, eventType models.RunEventType, data map[string]any) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	event, err := s.runs.AppendEvent(ctx, runID, eventType, data)
	if err != nil {
		s.log.Error("failed to append run event", "run_id", runID, "type", eventType, "error", err)
		return
	}
	if s.pub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.pub.PublishEvent(ctx, EventChannel(runID), string(payload)); err != nil {
		s.log.Warn("failed to publish run event", "run_id", runID, "error", err)
	}
}

// startPing emits keepalive events until the returned stop function runs.
func (s *RunService) startPing(ctx context.Context, runID uuid.UUID) func() {
	if s.cfg.PingInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				s.emit(ctx, runID, models.EventPing, map[string]any{"at": time.Now().UTC().Format(time.RFC3339)})
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
