package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/common/agent"
	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/fingerprint"
	"github.com/lorecraft/cardsmith/common/logger"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
)

// TurnExecutor runs one agent turn end to end: build context, invoke the
// agent, parse the action block, and either apply the mutation, park it as
// a pending action, or record the failure. The whole turn is idempotent
// under (draftID, requestID, "turn").
type TurnExecutor struct {
	drafts   *DraftService
	pending  PendingStore
	idem     IdempotencyStore
	messages MessageStore
	builder  *ContextBuilder
	gateway  agent.Gateway
	log      *logger.Logger
}

// TurnExecutorOpts contains options for creating a TurnExecutor
type TurnExecutorOpts struct {
	Drafts   *DraftService
	Pending  PendingStore
	Idem     IdempotencyStore
	Messages MessageStore
	Builder  *ContextBuilder
	Gateway  agent.Gateway
	Logger   *logger.Logger
}

// NewTurnExecutor creates a new turn executor with options pattern
func NewTurnExecutor(opts *TurnExecutorOpts) *TurnExecutor {
	return &TurnExecutor{
		drafts:   opts.Drafts,
		pending:  opts.Pending,
		idem:     opts.Idem,
		messages: opts.Messages,
		builder:  opts.Builder,
		gateway:  opts.Gateway,
		log:      opts.Logger,
	}
}

// TurnRequest describes one turn to execute.
type TurnRequest struct {
	DraftID     uuid.UUID
	RequestID   string
	Instruction string
	AutoApply   bool

	// OnDelta streams incremental agent output when set.
	OnDelta func(delta string)
}

// TurnOutcome is the recorded result of a turn.
type TurnOutcome struct {
	OK           bool               `json:"ok"`
	// Fatal marks a failure the run cannot continue past: the ops were
	// well-formed but the draft refused them, or the store itself failed.
	Fatal        bool               `json:"fatal,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	OutputText   string             `json:"output_text,omitempty"`
	NoIntent     bool               `json:"no_intent,omitempty"`
	Applied      bool               `json:"applied,omitempty"`
	Version      int64              `json:"version"`
	ChangedPaths []string           `json:"changed_paths,omitempty"`
	Paused       models.PendingKind `json:"paused,omitempty"`
	Replayed     bool               `json:"replayed,omitempty"`
}

// Execute runs one turn. Upstream agent failures come back as errors so the
// caller can decide whether to abort the run; everything the agent said or
// did wrong comes back as a non-OK outcome and is recorded durably.
func (t *TurnExecutor) Execute(ctx context.Context, req *TurnRequest) (*TurnOutcome, error) {
	if req.RequestID != "" {
		if stored, err := t.idem.Get(ctx, req.DraftID, req.RequestID, models.IdemTurn); err != nil {
			return nil, err
		} else if stored != nil {
			outcome := &TurnOutcome{}
			if err := json.Unmarshal(stored, outcome); err != nil {
				return nil, fmt.Errorf("decode stored turn outcome: %w", err)
			}
			outcome.Replayed = true
			return outcome, nil
		}
	}

	head, err := t.drafts.Head(ctx, req.DraftID)
	if err != nil {
		return nil, err
	}

	agentReq, err := t.builder.Build(ctx, req.DraftID, head, req.Instruction)
	if err != nil {
		return nil, err
	}
	agentReq.OnDelta = req.OnDelta

	resp, err := t.gateway.Invoke(ctx, agentReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeUpstream, err, "agent invocation failed")
	}
	if !resp.OK {
		return nil, apperr.New(apperr.CodeUpstream, "agent returned failure: %s", resp.Error)
	}

	if _, err := t.messages.Append(ctx, req.DraftID, models.RoleAgent, resp.OutputText, nil); err != nil {
		return nil, err
	}

	outcome := t.process(ctx, req, head, resp.OutputText)
	outcome.OutputText = resp.OutputText

	if err := t.record(ctx, req, outcome); err != nil {
		return nil, err
	}
	return outcome, nil
}

// process turns the agent's text into an outcome against the head version.
func (t *TurnExecutor) process(ctx context.Context, req *TurnRequest, head *models.DraftVersion, output string) *TurnOutcome {
	block, count := extractActionBlock(output)
	if count > 1 {
		return t.fail(ctx, req, head, apperr.Validation("output contains %d action blocks, at most one is allowed", count).
			WithDetail("reason", "multiple_action_blocks"))
	}
	if count == 0 {
		return t.done(ctx, req, head, &TurnOutcome{OK: true, NoIntent: true, Version: head.Version})
	}

	var action struct {
		Intents []models.Intent `json:"intents"`
	}
	if err := json.Unmarshal([]byte(block), &action); err != nil {
		if apperr.CodeOf(err) == apperr.CodeValidation {
			return t.fail(ctx, req, head, err)
		}
		return t.fail(ctx, req, head, apperr.Validation("action block is not valid JSON: %v", err).
			WithDetail("reason", "malformed_output"))
	}
	if len(action.Intents) == 0 {
		return t.done(ctx, req, head, &TurnOutcome{OK: true, NoIntent: true, Version: head.Version})
	}

	ops, err := t.collectOps(head, action.Intents)
	if err != nil {
		return t.fail(ctx, req, head, err)
	}
	if len(ops) == 0 {
		// A world_info intent that matches the current state diffs to nothing.
		return t.done(ctx, req, head, &TurnOutcome{OK: true, Version: head.Version})
	}

	// Dry run against the head snapshot. The pending path stores ops that
	// are already known to apply cleanly.
	result, err := patch.Apply(head.Snapshot, ops)
	if err != nil {
		return t.abort(ctx, req, head, err)
	}
	if len(result.ChangedPaths) == 0 {
		return t.done(ctx, req, head, &TurnOutcome{OK: true, Version: head.Version})
	}

	if patch.TouchesPlan(result.ChangedPaths) {
		return t.park(ctx, req, head, models.PendingPlanReview, map[string]any{
			"plan": planValue(result.Snapshot),
		})
	}
	if !req.AutoApply {
		return t.park(ctx, req, head, models.PendingPatchReview, map[string]any{
			"ops": patch.WireOps(ops),
		})
	}

	applied, err := t.drafts.Propose(ctx, req.DraftID, head.Version, req.RequestID, models.IdemPatch, ops, models.SourceAgent)
	if err != nil {
		return t.abort(ctx, req, head, err)
	}
	return t.done(ctx, req, head, &TurnOutcome{
		OK:           true,
		Applied:      true,
		Version:      applied.Version,
		ChangedPaths: applied.ChangedPaths,
	})
}

// collectOps flattens the intents into one validated batch.
func (t *TurnExecutor) collectOps(head *models.DraftVersion, intents []models.Intent) ([]patch.Op, error) {
	var ops []patch.Op
	for _, in := range intents {
		switch in.Kind {
		case models.IntentPlan:
			var plan any
			if err := json.Unmarshal(in.Plan, &plan); err != nil {
				return nil, apperr.Validation("plan value is not valid JSON: %v", err).
					WithDetail("reason", "malformed_output")
			}
			ops = append(ops, patch.SetOp(patch.PlanPath, plan))
		case models.IntentPatch:
			parsed, err := patch.ParseOps(in.Ops)
			if err != nil {
				return nil, err
			}
			ops = append(ops, parsed...)
		case models.IntentWorldInfo:
			diffed, err := DiffWorldInfo(head.Snapshot, in.WorldInfo)
			if err != nil {
				return nil, err
			}
			ops = append(ops, diffed...)
		}
	}

	// The same policy boundary the patch engine enforces per batch: plan
	// edits never travel with artifact edits.
	sawPlan, sawOther := false, false
	for _, op := range ops {
		if op.Path.Root() == "raw" {
			sawPlan = true
		} else {
			sawOther = true
		}
	}
	if sawPlan && sawOther {
		return nil, apperr.Validation("a plan intent cannot be combined with other mutations in one turn").
			WithDetail("reason", "mixed_raw_batch")
	}
	return ops, nil
}

// park records a pending action and stops the turn for review.
func (t *TurnExecutor) park(ctx context.Context, req *TurnRequest, head *models.DraftVersion, kind models.PendingKind, payload map[string]any) *TurnOutcome {
	fp, err := fingerprint.Compute(head.Snapshot)
	if err != nil {
		return t.abort(ctx, req, head, apperr.Wrap(apperr.CodeInternal, err, "fingerprint head snapshot"))
	}
	action := &models.PendingAction{
		DraftID:           req.DraftID,
		Kind:              kind,
		BaseVersion:       head.Version,
		FingerprintBefore: fp,
		Payload:           payload,
	}
	if err := t.pending.Upsert(ctx, action); err != nil {
		return t.abort(ctx, req, head, err)
	}
	return t.done(ctx, req, head, &TurnOutcome{OK: true, Version: head.Version, Paused: kind})
}

func (t *TurnExecutor) done(ctx context.Context, req *TurnRequest, head *models.DraftVersion, outcome *TurnOutcome) *TurnOutcome {
	t.audit(ctx, req.DraftID, outcome)
	return outcome
}

// fail records a protocol failure: the agent said something malformed or
// disallowed. The run gets the error through the audit trail and may try
// again on a later turn.
func (t *TurnExecutor) fail(ctx context.Context, req *TurnRequest, head *models.DraftVersion, err error) *TurnOutcome {
	return t.failed(ctx, req, head, err, false)
}

// abort records a hard failure: apply errors, version conflicts, and store
// failures. The run loop stops on these.
func (t *TurnExecutor) abort(ctx context.Context, req *TurnRequest, head *models.DraftVersion, err error) *TurnOutcome {
	return t.failed(ctx, req, head, err, true)
}

func (t *TurnExecutor) failed(ctx context.Context, req *TurnRequest, head *models.DraftVersion, err error, fatal bool) *TurnOutcome {
	ae := apperr.AsError(err)
	outcome := &TurnOutcome{
		OK:           false,
		Fatal:        fatal,
		ErrorCode:    string(ae.Code),
		ErrorMessage: ae.Message,
		Version:      head.Version,
	}
	t.audit(ctx, req.DraftID, outcome)
	return outcome
}

// audit appends the turn's outcome to the message log. Both the agent and
// human reviewers read this trail.
func (t *TurnExecutor) audit(ctx context.Context, draftID uuid.UUID, outcome *TurnOutcome) {
	meta := map[string]any{"ok": outcome.OK, "version": outcome.Version}
	var content string
	switch {
	case !outcome.OK:
		meta["error_code"] = outcome.ErrorCode
		content = fmt.Sprintf("turn failed: %s: %s", outcome.ErrorCode, outcome.ErrorMessage)
	case outcome.Paused != "":
		meta["paused"] = string(outcome.Paused)
		content = fmt.Sprintf("turn paused for %s at version %d", outcome.Paused, outcome.Version)
	case outcome.Applied:
		meta["changed_paths"] = outcome.ChangedPaths
		content = fmt.Sprintf("turn applied version %d (%d paths changed)", outcome.Version, len(outcome.ChangedPaths))
	case outcome.NoIntent:
		content = "turn ended with no mutation intent"
	default:
		content = "turn made no changes"
	}
	if _, err := t.messages.Append(ctx, draftID, models.RoleSystem, content, meta); err != nil {
		t.log.Error("failed to append turn audit", "draft_id", draftID, "error", err)
	}
}

// record persists the outcome under the turn's idempotency key. A lost
// insert race defers to the stored outcome.
func (t *TurnExecutor) record(ctx context.Context, req *TurnRequest, outcome *TurnOutcome) error {
	if req.RequestID == "" {
		return nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode turn outcome: %w", err)
	}
	stored, err := t.idem.SetIfAbsent(ctx, req.DraftID, req.RequestID, models.IdemTurn, data)
	if err != nil {
		return err
	}
	if stored != nil && !jsonIdentical(stored, data) {
		replay := &TurnOutcome{}
		if err := json.Unmarshal(stored, replay); err != nil {
			return fmt.Errorf("decode stored turn outcome: %w", err)
		}
		replay.Replayed = true
		*outcome = *replay
	}
	return nil
}

func jsonIdentical(a, b []byte) bool {
	return string(a) == string(b)
}

// planValue extracts the plan sub-document out of a snapshot.
func planValue(snapshot models.Snapshot) any {
	raw, _ := snapshot["raw"].(map[string]any)
	ext, _ := raw["dataExtensions"].(map[string]any)
	return ext["vibePlan"]
}

// extractActionBlock finds fenced blocks tagged `action` and returns the
// contents of the first plus how many there were.
func extractActionBlock(output string) (string, int) {
	var first strings.Builder
	count := 0
	inBlock := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock {
			if trimmed == "```action" {
				inBlock = true
				count++
			}
			continue
		}
		if trimmed == "```" {
			inBlock = false
			continue
		}
		if count == 1 {
			first.WriteString(line)
			first.WriteString("\n")
		}
	}
	return first.String(), count
}
