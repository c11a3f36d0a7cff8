package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/cache"
	"github.com/lorecraft/cardsmith/common/logger"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
)

// DraftService handles business logic for drafts: patch application under
// optimistic concurrency, restore operations, and head-read caching.
type DraftService struct {
	drafts   DraftStore
	runs     RunStore
	cache    cache.Cache
	cacheTTL time.Duration
	log      *logger.Logger
}

// DraftServiceOpts contains options for creating a DraftService
type DraftServiceOpts struct {
	Drafts   DraftStore
	Runs     RunStore
	Cache    cache.Cache
	CacheTTL time.Duration
	Logger   *logger.Logger
}

// NewDraftService creates a new draft service with options pattern
func NewDraftService(opts *DraftServiceOpts) *DraftService {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DraftService{
		drafts:   opts.Drafts,
		runs:     opts.Runs,
		cache:    opts.Cache,
		cacheTTL: ttl,
		log:      opts.Logger,
	}
}

// Create makes a new draft at version 1.
func (s *DraftService) Create(ctx context.Context) (*models.Draft, error) {
	draft, err := s.drafts.Create(ctx)
	if err != nil {
		return nil, err
	}
	s.log.Info("draft created", "draft_id", draft.DraftID)
	return draft, nil
}

// Get returns the draft header.
func (s *DraftService) Get(ctx context.Context, draftID uuid.UUID) (*models.Draft, error) {
	return s.drafts.Get(ctx, draftID)
}

// Head returns the current head version, served from the cache when
// possible. Every write path invalidates the entry.
func (s *DraftService) Head(ctx context.Context, draftID uuid.UUID) (*models.DraftVersion, error) {
	key := headCacheKey(draftID)
	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			v := &models.DraftVersion{}
			if err := json.Unmarshal(data, v); err == nil {
				return v, nil
			}
		}
	}

	head, err := s.drafts.GetHead(ctx, draftID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(head); err == nil {
			_ = s.cache.Set(ctx, key, data, s.cacheTTL)
		}
	}
	return head, nil
}

// GetVersion returns one version record, archived or not.
func (s *DraftService) GetVersion(ctx context.Context, draftID uuid.UUID, version int64) (*models.DraftVersion, error) {
	return s.drafts.GetVersion(ctx, draftID, version)
}

// ListVersions returns the version history, newest first, without snapshots.
func (s *DraftService) ListVersions(ctx context.Context, draftID uuid.UUID) ([]*models.DraftVersion, error) {
	return s.drafts.ListVersions(ctx, draftID)
}

// ApplyPatch validates and applies a caller-submitted patch batch against
// the expected base version. Refused while a run holds the draft.
func (s *DraftService) ApplyPatch(
	ctx context.Context,
	draftID uuid.UUID,
	expectedBase int64,
	requestID string,
	rawOps []patch.RawOp,
) (*models.ProposeResult, error) {
	ops, err := patch.ParseOps(rawOps)
	if err != nil {
		return nil, err
	}

	result, err := s.Propose(ctx, draftID, expectedBase, requestID, models.IdemPatch, ops, models.SourceUser)
	if err != nil {
		return nil, err
	}
	s.log.Info("patch applied",
		"draft_id", draftID,
		"version", result.Version,
		"changed_paths", len(result.ChangedPaths),
		"replayed", result.Replayed)
	return result, nil
}

// Propose appends a new version produced by the given ops. Derived
// diagnostics and plan progress are recorded in the version metadata.
// User-sourced proposals are refused while a run holds the draft; the
// check lives inside the propose transaction so a run starting between
// the caller's read and the write still blocks it. Agent and approval
// writes skip the check.
func (s *DraftService) Propose(
	ctx context.Context,
	draftID uuid.UUID,
	expectedBase int64,
	requestID string,
	kind models.IdempotencyKind,
	ops []patch.Op,
	source string,
) (*models.ProposeResult, error) {
	requireIdle := source == models.SourceUser
	result, err := s.drafts.ProposeVersion(ctx, draftID, expectedBase, requestID, kind, requireIdle,
		func(snapshot models.Snapshot) (models.Snapshot, []string, map[string]any, error) {
			res, err := patch.Apply(snapshot, ops)
			if err != nil {
				return nil, nil, nil, err
			}
			meta := map[string]any{
				"source":  source,
				"derived": models.Derive(res.Snapshot),
			}
			return res.Snapshot, res.ChangedPaths, meta, nil
		})
	if err != nil {
		return nil, err
	}
	s.invalidateHead(ctx, draftID)
	return result, nil
}

// Reset truncates history back to toVersion. The confirmation token must be
// echoed exactly; see repository.ResetConfirmation.
func (s *DraftService) Reset(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, toVersion int64, confirmation string) (*models.ProposeResult, error) {
	result, err := s.drafts.Reset(ctx, draftID, expectedBase, requestID, toVersion, confirmation)
	if err != nil {
		return nil, err
	}
	s.invalidateHead(ctx, draftID)
	s.log.Info("draft reset", "draft_id", draftID, "to_version", toVersion)
	return result, nil
}

// Rollback appends a new version that copies toVersion's snapshot.
func (s *DraftService) Rollback(ctx context.Context, draftID uuid.UUID, expectedBase int64, requestID string, toVersion int64) (*models.ProposeResult, error) {
	result, err := s.drafts.Rollback(ctx, draftID, expectedBase, requestID, toVersion)
	if err != nil {
		return nil, err
	}
	s.invalidateHead(ctx, draftID)
	s.log.Info("draft rolled back", "draft_id", draftID, "to_version", toVersion, "new_version", result.Version)
	return result, nil
}

// Delete removes the draft and everything derived from it. Refused while a
// run holds the draft.
func (s *DraftService) Delete(ctx context.Context, draftID uuid.UUID) error {
	busy, err := s.runs.HasRunning(ctx, draftID)
	if err != nil {
		return err
	}
	if busy {
		return apperr.Busy(draftID.String())
	}
	if err := s.drafts.Delete(ctx, draftID); err != nil {
		return err
	}
	s.invalidateHead(ctx, draftID)
	s.log.Info("draft deleted", "draft_id", draftID)
	return nil
}

func (s *DraftService) invalidateHead(ctx context.Context, draftID uuid.UUID) {
	if s.cache != nil {
		_ = s.cache.Delete(ctx, headCacheKey(draftID))
	}
}

func headCacheKey(draftID uuid.UUID) string {
	return "draft_head:" + draftID.String()
}
