package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/cmd/cardsmith/repository"
	"github.com/lorecraft/cardsmith/common/agent"
	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/logger"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
)

func rawSetOp(path string, value any) patch.RawOp {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return patch.RawOp{Op: "set", Path: path, Value: data}
}

// memStore is an in-memory stand-in for all the pg repositories, good
// enough to exercise the service layer's semantics.
type memStore struct {
	mu       sync.Mutex
	drafts   map[uuid.UUID]*models.Draft
	versions map[uuid.UUID]map[int64]*models.DraftVersion
	idem     map[string][]byte
	pendings map[uuid.UUID]*models.PendingAction
	runs     map[uuid.UUID]*models.Run
	events   map[uuid.UUID][]*models.RunEvent
	messages map[uuid.UUID][]*models.Message
}

func newMemStore() *memStore {
	return &memStore{
		drafts:   make(map[uuid.UUID]*models.Draft),
		versions: make(map[uuid.UUID]map[int64]*models.DraftVersion),
		idem:     make(map[string][]byte),
		pendings: make(map[uuid.UUID]*models.PendingAction),
		runs:     make(map[uuid.UUID]*models.Run),
		events:   make(map[uuid.UUID][]*models.RunEvent),
		messages: make(map[uuid.UUID][]*models.Message),
	}
}

func copySnapshot(s models.Snapshot) models.Snapshot {
	data, _ := json.Marshal(s)
	var out models.Snapshot
	_ = json.Unmarshal(data, &out)
	if out == nil {
		out = models.Snapshot{}
	}
	return out
}

// --- DraftStore ---

func (m *memStore) Create(ctx context.Context) (*models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New()
	now := time.Now()
	draft := &models.Draft{DraftID: id, HeadVersion: 1, MaxVersion: 1, CreatedAt: now, UpdatedAt: now}
	m.drafts[id] = draft
	m.versions[id] = map[int64]*models.DraftVersion{
		1: {
			DraftID:   id,
			Version:   1,
			Snapshot:  models.EmptySnapshot(),
			Meta:      map[string]any{"source": models.SourceUser},
			CreatedAt: now,
		},
	}
	return draft, nil
}

func (m *memStore) Get(ctx context.Context, draftID uuid.UUID) (*models.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft, ok := m.drafts[draftID]
	if !ok {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	cp := *draft
	return &cp, nil
}

func (m *memStore) GetHead(ctx context.Context, draftID uuid.UUID) (*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	draft, ok := m.drafts[draftID]
	if !ok {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	return m.versionLocked(draftID, draft.HeadVersion)
}

func (m *memStore) GetVersion(ctx context.Context, draftID uuid.UUID, version int64) (*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versionLocked(draftID, version)
}

func (m *memStore) versionLocked(draftID uuid.UUID, version int64) (*models.DraftVersion, error) {
	v, ok := m.versions[draftID][version]
	if !ok {
		return nil, apperr.NotFound("version", fmt.Sprintf("%s@%d", draftID, version))
	}
	cp := *v
	cp.Snapshot = copySnapshot(v.Snapshot)
	return &cp, nil
}

func (m *memStore) ListVersions(ctx context.Context, draftID uuid.UUID) ([]*models.DraftVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.DraftVersion
	draft, ok := m.drafts[draftID]
	if !ok {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	for v := draft.MaxVersion; v >= 1; v-- {
		if rec, ok := m.versions[draftID][v]; ok {
			cp := *rec
			cp.Snapshot = nil
			out = append(out, &cp)
		}
	}
	return out, nil
}

func idemKey(draftID uuid.UUID, requestID string, kind models.IdempotencyKind) string {
	return fmt.Sprintf("%s|%s|%s", draftID, requestID, kind)
}

func (m *memStore) ProposeVersion(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, kind models.IdempotencyKind, requireIdle bool, mutate repository.Mutator) (*models.ProposeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if requestID != "" {
		if data, ok := m.idem[idemKey(draftID, requestID, kind)]; ok {
			var result models.ProposeResult
			if err := json.Unmarshal(data, &result); err != nil {
				return nil, err
			}
			result.Replayed = true
			return &result, nil
		}
	}

	draft, ok := m.drafts[draftID]
	if !ok {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	if expectedBase != draft.HeadVersion {
		return nil, apperr.VersionConflict(expectedBase, draft.HeadVersion)
	}
	if requireIdle {
		for _, run := range m.runs {
			if run.DraftID == draftID && run.Status == models.RunRunning {
				return nil, apperr.Busy(draftID.String())
			}
		}
	}

	head := m.versions[draftID][draft.HeadVersion]
	next, changed, extraMeta, err := mutate(copySnapshot(head.Snapshot))
	if err != nil {
		return nil, err
	}

	newVersion := draft.MaxVersion + 1
	meta := map[string]any{"changed_paths": changed}
	for k, v := range extraMeta {
		meta[k] = v
	}
	m.versions[draftID][newVersion] = &models.DraftVersion{
		DraftID:   draftID,
		Version:   newVersion,
		Snapshot:  next,
		Meta:      meta,
		CreatedAt: time.Now(),
	}
	draft.HeadVersion = newVersion
	draft.MaxVersion = newVersion
	draft.UpdatedAt = time.Now()

	result := &models.ProposeResult{Version: newVersion, Snapshot: next, ChangedPaths: changed}
	if requestID != "" {
		data, _ := json.Marshal(result)
		m.idem[idemKey(draftID, requestID, kind)] = data
	}
	return result, nil
}

func (m *memStore) Reset(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, toVersion int64, confirmation string) (*models.ProposeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if confirmation != repository.ResetConfirmation(draftID, toVersion) {
		return nil, apperr.Validation("bad confirmation token").WithDetail("reason", "bad_confirmation")
	}
	draft, ok := m.drafts[draftID]
	if !ok {
		return nil, apperr.NotFound("draft", draftID.String())
	}
	if expectedBase != draft.HeadVersion {
		return nil, apperr.VersionConflict(expectedBase, draft.HeadVersion)
	}
	target, ok := m.versions[draftID][toVersion]
	if !ok {
		return nil, apperr.NotFound("version", fmt.Sprintf("%s@%d", draftID, toVersion))
	}
	for v := toVersion + 1; v <= draft.MaxVersion; v++ {
		if rec, ok := m.versions[draftID][v]; ok {
			rec.Archived = true
		}
	}
	draft.HeadVersion = toVersion
	delete(m.pendings, draftID)
	return &models.ProposeResult{Version: toVersion, Snapshot: copySnapshot(target.Snapshot)}, nil
}

func (m *memStore) Rollback(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, toVersion int64) (*models.ProposeResult, error) {
	m.mu.Lock()
	target, ok := m.versions[draftID][toVersion]
	if !ok {
		m.mu.Unlock()
		return nil, apperr.NotFound("version", fmt.Sprintf("%s@%d", draftID, toVersion))
	}
	snapshot := copySnapshot(target.Snapshot)
	m.mu.Unlock()

	return m.ProposeVersion(ctx, draftID, expectedBase, requestID, models.IdemRollback, true,
		func(models.Snapshot) (models.Snapshot, []string, map[string]any, error) {
			return snapshot, nil, map[string]any{"source": models.SourceRollback}, nil
		})
}

func (m *memStore) Delete(ctx context.Context, draftID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drafts[draftID]; !ok {
		return apperr.NotFound("draft", draftID.String())
	}
	delete(m.drafts, draftID)
	delete(m.versions, draftID)
	delete(m.pendings, draftID)
	return nil
}

// --- PendingStore ---

func (m *memStore) Upsert(ctx context.Context, action *models.PendingAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *action
	cp.UpdatedAt = time.Now()
	if existing, ok := m.pendings[action.DraftID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.pendings[action.DraftID] = &cp
	return nil
}

func (m *memStore) GetPending(ctx context.Context, draftID uuid.UUID) (*models.PendingAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	action, ok := m.pendings[draftID]
	if !ok {
		return nil, nil
	}
	cp := *action
	return &cp, nil
}

func (m *memStore) DeletePending(ctx context.Context, draftID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendings, draftID)
	return nil
}

// --- RunStore ---

func (m *memStore) CreateIfIdle(ctx context.Context, run *models.Run) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.RequestID != nil {
		for _, existing := range m.runs {
			if existing.DraftID == run.DraftID && existing.RequestID != nil && *existing.RequestID == *run.RequestID {
				cp := *existing
				return &cp, nil
			}
		}
	}
	for _, existing := range m.runs {
		if existing.DraftID == run.DraftID && existing.Status == models.RunRunning {
			return nil, apperr.Busy(run.DraftID.String())
		}
	}

	cp := *run
	cp.CreatedAt = time.Now()
	m.runs[run.RunID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetRun(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, apperr.NotFound("run", runID.String())
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) GetRunning(ctx context.Context, draftID uuid.UUID) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.DraftID == draftID && run.Status == models.RunRunning {
			cp := *run
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) HasRunning(ctx context.Context, draftID uuid.UUID) (bool, error) {
	run, err := m.GetRunning(ctx, draftID)
	return run != nil, err
}

func (m *memStore) UpdateProgress(ctx context.Context, runID uuid.UUID, turns int, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[runID]; ok {
		run.Turns = turns
		run.Version = version
	}
	return nil
}

func (m *memStore) Finish(ctx context.Context, runID uuid.UUID, reason models.StopReason, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return false, apperr.NotFound("run", runID.String())
	}
	if run.Status != models.RunRunning {
		return false, nil
	}
	now := time.Now()
	run.Status = models.RunStopped
	run.StopReason = reason
	run.StopMessage = message
	run.StoppedAt = &now
	return true, nil
}

func (m *memStore) AppendEvent(ctx context.Context, runID uuid.UUID, eventType models.RunEventType, data map[string]any) (*models.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event := &models.RunEvent{
		RunID:     runID,
		Seq:       int64(len(m.events[runID]) + 1),
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now(),
	}
	m.events[runID] = append(m.events[runID], event)
	return event, nil
}

func (m *memStore) ListEventsAfter(ctx context.Context, runID uuid.UUID, afterSeq int64, limit int) ([]*models.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RunEvent
	for _, e := range m.events[runID] {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) HasTerminalEvent(ctx context.Context, runID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events[runID] {
		if e.Type.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// --- MessageStore ---

func (m *memStore) Append(ctx context.Context, draftID uuid.UUID, role models.MessageRole, content string, meta map[string]any) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := &models.Message{
		DraftID:   draftID,
		Seq:       int64(len(m.messages[draftID]) + 1),
		Role:      role,
		Content:   content,
		Meta:      meta,
		CreatedAt: time.Now(),
	}
	m.messages[draftID] = append(m.messages[draftID], msg)
	return msg, nil
}

func (m *memStore) ListRecent(ctx context.Context, draftID uuid.UUID, limit int) ([]*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[draftID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// --- IdempotencyStore ---

func (m *memStore) GetIdem(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.idem[idemKey(draftID, requestID, kind)]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (m *memStore) SetIfAbsent(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind, result []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := idemKey(draftID, requestID, kind)
	if existing, ok := m.idem[key]; ok {
		return existing, nil
	}
	m.idem[key] = result
	return nil, nil
}

// Interface adapters: the memStore methods above collide on names across
// interfaces, so thin views expose each one.

type pendingView struct{ *memStore }

func (v pendingView) Get(ctx context.Context, draftID uuid.UUID) (*models.PendingAction, error) {
	return v.GetPending(ctx, draftID)
}
func (v pendingView) Delete(ctx context.Context, draftID uuid.UUID) error {
	return v.DeletePending(ctx, draftID)
}

type runView struct{ *memStore }

func (v runView) Get(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	return v.GetRun(ctx, runID)
}

type idemView struct{ *memStore }

func (v idemView) Get(ctx context.Context, draftID uuid.UUID, requestID string, kind models.IdempotencyKind) ([]byte, error) {
	return v.GetIdem(ctx, draftID, requestID, kind)
}

// scriptedGateway returns canned outputs in order, then repeats the last.
type scriptedGateway struct {
	mu      sync.Mutex
	outputs []string
	err     error
	calls   int
}

func (g *scriptedGateway) Invoke(ctx context.Context, req *agent.Request) (*agent.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.err != nil {
		return nil, g.err
	}
	i := g.calls
	g.calls++
	if i >= len(g.outputs) {
		i = len(g.outputs) - 1
	}
	if i < 0 {
		return &agent.Response{OK: true, OutputText: ""}, nil
	}
	return &agent.Response{OK: true, OutputText: g.outputs[i]}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []string
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, channel string, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, channel+" "+message)
	return nil
}

// testHarness wires the full service stack over one memStore.
type testHarness struct {
	store   *memStore
	drafts  *DraftService
	pending *PendingService
	turns   *TurnExecutor
	gateway *scriptedGateway
}

func newHarness(outputs ...string) *testHarness {
	store := newMemStore()
	log := logger.New("error", "json")
	gateway := &scriptedGateway{outputs: outputs}

	drafts := NewDraftService(&DraftServiceOpts{
		Drafts: store,
		Runs:   runView{store},
		Logger: log,
	})
	pending := NewPendingService(&PendingServiceOpts{
		Drafts:   drafts,
		Pending:  pendingView{store},
		Messages: store,
		Logger:   log,
	})
	turns := NewTurnExecutor(&TurnExecutorOpts{
		Drafts:   drafts,
		Pending:  pendingView{store},
		Idem:     idemView{store},
		Messages: store,
		Builder:  NewContextBuilder(store),
		Gateway:  gateway,
		Logger:   log,
	})

	return &testHarness{store: store, drafts: drafts, pending: pending, turns: turns, gateway: gateway}
}
