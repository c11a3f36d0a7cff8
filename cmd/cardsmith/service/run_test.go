package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorecraft/cardsmith/common/agent"
	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/config"
	"github.com/lorecraft/cardsmith/common/logger"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
	"github.com/lorecraft/cardsmith/common/queue"
)

var testRunConfig = config.RunConfig{
	DefaultMaxTurns: 8,
	MaxTurnsCap:     32,
	NoChangeLimit:   2,
}

// newRunHarness builds a RunService over the shared harness. The queue has
// no consumer attached; tests drive the loop synchronously for determinism.
func newRunHarness(t *testing.T, cfg config.RunConfig, outputs ...string) (*testHarness, *RunService, *recordingPublisher) {
	t.Helper()
	h := newHarness(outputs...)
	log := logger.New("error", "json")
	pub := &recordingPublisher{}
	svc := NewRunService(&RunServiceOpts{
		Runs:    runView{h.store},
		Drafts:  h.drafts,
		Pending: pendingView{h.store},
		Turns:   h.turns,
		Queue:   queue.NewMemoryQueue(log),
		Pub:     pub,
		Config:  cfg,
		Logger:  log,
	})
	return h, svc, pub
}

func startRun(t *testing.T, h *testHarness, svc *RunService, autoApply bool, maxTurns int) (*models.Run, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)
	run, err := svc.Start(ctx, draft.DraftID, &StartRunRequest{
		RequestID:   "start-1",
		Instruction: "improve the card",
		AutoApply:   autoApply,
		MaxTurns:    maxTurns,
	})
	require.NoError(t, err)
	return run, draft.DraftID
}

func finalEvent(t *testing.T, svc *RunService, runID uuid.UUID) *models.RunEvent {
	t.Helper()
	events, err := svc.Events(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Type.Terminal(), "last event must be terminal, got %s", last.Type)
	return last
}

func TestRun_StopsDoneWhenAgentEmitsNoIntent(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, "Looks complete to me.")
	run, _ := startRun(t, h, svc, true, 0)

	svc.loop(context.Background(), run.RunID)

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, got.Status)
	assert.Equal(t, models.StopDone, got.StopReason)
	assert.Equal(t, "agent finished", got.StopMessage)
	assert.Equal(t, 1, got.Turns)

	last := finalEvent(t, svc, run.RunID)
	assert.Equal(t, models.EventFinal, last.Type)
	assert.Equal(t, "done", last.Data["reason"])
}

func TestRun_StopsAfterNoChangeStreak(t *testing.T) {
	// The same patch every turn: turn one applies it, every later turn
	// diffs to nothing.
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	run, draftID := startRun(t, h, svc, true, 0)

	svc.loop(context.Background(), run.RunID)

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopNoChange, got.StopReason)
	assert.Equal(t, 3, got.Turns)

	head, err := h.drafts.Head(context.Background(), draftID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, head.Version)
	assert.EqualValues(t, 2, got.Version)
}

func TestRun_StopsAtMaxTurns(t *testing.T) {
	cfg := testRunConfig
	cfg.NoChangeLimit = 100
	h, svc, _ := newRunHarness(t, cfg, patchOutput)
	run, _ := startRun(t, h, svc, true, 2)

	svc.loop(context.Background(), run.RunID)

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopMaxTurns, got.StopReason)
	assert.Equal(t, 2, got.Turns)
}

func TestRun_PausesForPatchReview(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	run, draftID := startRun(t, h, svc, false, 0)

	svc.loop(context.Background(), run.RunID)

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopDone, got.StopReason)
	assert.Equal(t, "paused for patch_review", got.StopMessage)

	action, err := h.pending.Get(context.Background(), draftID)
	require.NoError(t, err)
	require.NotNil(t, action)
	assert.Equal(t, models.PendingPatchReview, action.Kind)

	var sawPending bool
	events, err := svc.Events(context.Background(), run.RunID, 0, 0)
	require.NoError(t, err)
	for _, e := range events {
		if e.Type == models.EventPendingAction {
			sawPending = true
		}
	}
	assert.True(t, sawPending)
}

func TestRun_StopsWhenPlanCompletes(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	// A plan whose every task is already finished; the next applied patch
	// should end the run.
	plan := map[string]any{"tasks": []any{
		map[string]any{"title": "outline", "status": "done"},
	}}
	_, err = h.drafts.Propose(ctx, draft.DraftID, 1, "seed-plan", models.IdemApprovePlan,
		[]patch.Op{patch.SetOp(patch.PlanPath, plan)}, models.SourceApproval)
	require.NoError(t, err)

	run, err := svc.Start(ctx, draft.DraftID, &StartRunRequest{
		RequestID:   "start-1",
		Instruction: "finish up",
		AutoApply:   true,
	})
	require.NoError(t, err)

	svc.loop(ctx, run.RunID)

	got, err := svc.Get(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopDone, got.StopReason)
	assert.Equal(t, "plan complete", got.StopMessage)
}

func TestRun_StopsOnGatewayError(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig)
	h.gateway.err = errors.New("model endpoint down")
	run, _ := startRun(t, h, svc, true, 0)

	svc.loop(context.Background(), run.RunID)

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopError, got.StopReason)

	// Exactly one terminal event, and it is the error.
	events, err := svc.Events(context.Background(), run.RunID, 0, 0)
	require.NoError(t, err)
	terminal := 0
	for _, e := range events {
		if e.Type.Terminal() {
			terminal++
			assert.Equal(t, models.EventError, e.Type)
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestRun_StopsWithErrorWhenPatchCannotApply(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, oobPatchOutput)
	run, _ := startRun(t, h, svc, true, 0)

	svc.loop(context.Background(), run.RunID)

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, got.Status)
	assert.Equal(t, models.StopError, got.StopReason)
	assert.Equal(t, 1, got.Turns)

	last := finalEvent(t, svc, run.RunID)
	assert.Equal(t, models.EventError, last.Type)

	events, err := svc.Events(context.Background(), run.RunID, 0, 0)
	require.NoError(t, err)
	terminal := 0
	for _, e := range events {
		if e.Type.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

// blockingGateway parks the agent call until the context dies, so a test
// can cancel a hosted loop mid-turn.
type blockingGateway struct {
	started chan struct{}
}

func (g *blockingGateway) Invoke(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	close(g.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRun_CancelStopsHostedLoop(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig)
	gateway := &blockingGateway{started: make(chan struct{})}
	h.turns.gateway = gateway
	run, _ := startRun(t, h, svc, true, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.loop(context.Background(), run.RunID)
	}()

	<-gateway.started
	_, err := svc.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}

	got, err := svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStopped, got.Status)
	assert.Equal(t, models.StopCanceled, got.StopReason)
}

func TestRun_CancelWithoutHostedLoop(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	run, _ := startRun(t, h, svc, true, 0)

	// No loop ever picked the run up (as after a process restart).
	got, err := svc.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)
	_ = got

	got, err = svc.Get(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopCanceled, got.StopReason)

	// Cancelling again is a quiet no-op.
	again, err := svc.Cancel(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StopCanceled, again.StopReason)
}

func TestRun_EventsAreGapFreeAndResumable(t *testing.T) {
	h, svc, pub := newRunHarness(t, testRunConfig, patchOutput)
	run, _ := startRun(t, h, svc, true, 0)

	svc.loop(context.Background(), run.RunID)

	ctx := context.Background()
	all, err := svc.Events(ctx, run.RunID, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for i, e := range all {
		assert.EqualValues(t, i+1, e.Seq)
	}

	// Resuming after seq 2 yields exactly the suffix.
	tail, err := svc.Events(ctx, run.RunID, 2, 0)
	require.NoError(t, err)
	require.Equal(t, len(all)-2, len(tail))
	assert.EqualValues(t, 3, tail[0].Seq)

	// Every durable event was also fanned out live.
	pub.mu.Lock()
	published := len(pub.messages)
	pub.mu.Unlock()
	assert.Equal(t, len(all), published)
}

func TestRun_StartReplaysDuplicateRequest(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	req := &StartRunRequest{RequestID: "start-1", Instruction: "go", AutoApply: true}
	first, err := svc.Start(ctx, draft.DraftID, req)
	require.NoError(t, err)

	second, err := svc.Start(ctx, draft.DraftID, req)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
}

func TestRun_SecondStartIsBusy(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	_, err = svc.Start(ctx, draft.DraftID, &StartRunRequest{RequestID: "start-1", Instruction: "go"})
	require.NoError(t, err)

	_, err = svc.Start(ctx, draft.DraftID, &StartRunRequest{RequestID: "start-2", Instruction: "go again"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBusy, apperr.CodeOf(err))
}

func TestRun_StartValidation(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig)
	ctx := context.Background()
	draft, err := h.drafts.Create(ctx)
	require.NoError(t, err)

	_, err = svc.Start(ctx, draft.DraftID, &StartRunRequest{RequestID: "start-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	run, err := svc.Start(ctx, draft.DraftID, &StartRunRequest{
		RequestID:   "start-2",
		Instruction: "go",
		MaxTurns:    10_000,
	})
	require.NoError(t, err)
	assert.Equal(t, testRunConfig.MaxTurnsCap, run.MaxTurns)
}

func TestRun_ResultWhileRunningIsBusy(t *testing.T) {
	h, svc, _ := newRunHarness(t, testRunConfig, patchOutput)
	run, _ := startRun(t, h, svc, true, 0)

	_, err := svc.Result(context.Background(), run.RunID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBusy, apperr.CodeOf(err))

	svc.loop(context.Background(), run.RunID)

	result, err := svc.Result(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, result.FinalVersion)
	assert.Equal(t, 3, result.TotalTurns)
}
