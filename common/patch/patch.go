// Package patch implements the restricted mutation language applied to
// draft snapshots: set/remove operations over whitelisted dot paths. It is
// deliberately not a general JSON-Patch implementation — the grammar and the
// per-root removal shapes bound what an agent can touch.
package patch

import (
	"encoding/json"
	"fmt"

	"github.com/lorecraft/cardsmith/common/apperr"
)

// OpKind is the operation type: set or remove.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpRemove OpKind = "remove"
)

// PlanPath is the single path admitted under the raw root: the agent's task
// plan. Edits to it never auto-apply.
const PlanPath = "raw.dataExtensions.vibePlan"

// AllowedRoots is the fixed whitelist of top-level snapshot keys.
var AllowedRoots = map[string]bool{
	"card":         true,
	"worldInfo":    true,
	"regexScripts": true,
	"scripts":      true,
	"raw":          true,
}

// Op is one validated mutation operation.
type Op struct {
	Kind     OpKind
	Path     Path
	Value    any
	hasValue bool
}

// SetOp builds a set operation for an already-known path string. It panics
// on invalid paths and is meant for callers synthesizing ops internally.
func SetOp(path string, value any) Op {
	p, err := ParsePath(path)
	if err != nil {
		panic(fmt.Sprintf("patch: bad internal path %q: %v", path, err))
	}
	return Op{Kind: OpSet, Path: p, Value: value, hasValue: true}
}

// RemoveOp builds a remove operation for an already-known path string.
func RemoveOp(path string) Op {
	p, err := ParsePath(path)
	if err != nil {
		panic(fmt.Sprintf("patch: bad internal path %q: %v", path, err))
	}
	return Op{Kind: OpRemove, Path: p}
}

// RawOp is the wire shape of an operation before validation.
type RawOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Wire converts a typed op back to its wire shape, for storage and replay.
func (o Op) Wire() RawOp {
	ro := RawOp{Op: string(o.Kind), Path: o.Path.String()}
	if o.hasValue {
		ro.Value, _ = json.Marshal(o.Value)
	}
	return ro
}

// WireOps converts a batch of typed ops to wire shape.
func WireOps(ops []Op) []RawOp {
	out := make([]RawOp, len(ops))
	for i, op := range ops {
		out[i] = op.Wire()
	}
	return out
}

// ParseOps validates the wire operations and their paths, returning typed
// ops. Every operation is checked before any is applied; the first offending
// op fails the whole batch.
func ParseOps(raw []RawOp) ([]Op, error) {
	if len(raw) == 0 {
		return nil, apperr.Validation("patch has no operations").WithDetail("reason", "empty_batch")
	}

	ops := make([]Op, 0, len(raw))
	sawRaw, sawOther := false, false

	for i, ro := range raw {
		op, err := parseOp(ro, i)
		if err != nil {
			return nil, err
		}
		if op.Path.Root() == "raw" {
			sawRaw = true
		} else {
			sawOther = true
		}
		ops = append(ops, op)
	}

	// Plan edits and artifact edits have different review policies; they
	// must never travel in one batch.
	if sawRaw && sawOther {
		return nil, apperr.Validation("raw operations cannot be mixed with other roots in one batch").
			WithDetail("reason", "mixed_raw_batch")
	}

	return ops, nil
}

func parseOp(ro RawOp, index int) (Op, error) {
	var kind OpKind
	switch ro.Op {
	case "set":
		kind = OpSet
	case "remove":
		kind = OpRemove
	default:
		return Op{}, apperr.Validation("operation %d: unknown op %q", index, ro.Op).
			WithDetail("reason", "unknown_op").
			WithDetail("op", ro.Op)
	}

	path, err := ParsePath(ro.Path)
	if err != nil {
		return Op{}, err
	}

	root := path.Root()
	if !AllowedRoots[root] {
		return Op{}, apperr.Validation("operation %d: root %q is not writable", index, root).
			WithDetail("reason", "root_not_allowed").
			WithDetail("path", ro.Path)
	}

	op := Op{Kind: kind, Path: path}

	switch kind {
	case OpSet:
		if ro.Value == nil {
			return Op{}, apperr.Validation("operation %d: set requires a value", index).
				WithDetail("reason", "missing_value").
				WithDetail("path", ro.Path)
		}
		var val any
		if err := json.Unmarshal(ro.Value, &val); err != nil {
			return Op{}, apperr.Validation("operation %d: value is not valid JSON: %v", index, err).
				WithDetail("reason", "bad_value")
		}
		op.Value = val
		op.hasValue = true

		if root == "raw" && path.String() != PlanPath {
			return Op{}, apperr.Validation("operation %d: only %s is writable under raw", index, PlanPath).
				WithDetail("reason", "raw_path_not_allowed").
				WithDetail("path", ro.Path)
		}

	case OpRemove:
		if err := checkRemoveShape(path, index); err != nil {
			return Op{}, err
		}
	}

	return op, nil
}

// checkRemoveShape enforces the per-root removal whitelist. Arbitrary nested
// removal is not in the language.
func checkRemoveShape(p Path, index int) error {
	illegal := func() error {
		return apperr.Validation("operation %d: remove is not allowed at %s", index, p).
			WithDetail("reason", "illegal_remove").
			WithDetail("path", p.String())
	}

	segs := p.Segments
	switch p.Root() {
	case "worldInfo":
		// worldInfo.entries[i] only.
		if len(segs) != 2 || segs[0].HasIndex() || segs[1].Key != "entries" || !segs[1].HasIndex() {
			return illegal()
		}
	case "regexScripts":
		// regexScripts[i] only.
		if len(segs) != 1 || !segs[0].HasIndex() {
			return illegal()
		}
	case "scripts":
		// scripts.<key> only.
		if len(segs) != 2 || segs[0].HasIndex() || segs[1].HasIndex() {
			return illegal()
		}
	case "card":
		// Object keys anywhere under card, plus card.alternateGreetings[i].
		if segs[0].HasIndex() || len(segs) < 2 {
			return illegal()
		}
		last := segs[len(segs)-1]
		if last.HasIndex() {
			if len(segs) != 2 || last.Key != "alternateGreetings" {
				return illegal()
			}
		}
		for _, s := range segs[1 : len(segs)-1] {
			if s.HasIndex() {
				return illegal()
			}
		}
	default:
		return illegal()
	}
	return nil
}

// Result is the outcome of applying a batch: a new snapshot (the input is
// untouched) plus the deduplicated changed paths in first-seen order.
type Result struct {
	Snapshot     map[string]any
	ChangedPaths []string
}

// Apply validates nothing beyond structure — ops must come from ParseOps or
// the internal constructors — and applies them in order to a deep copy of
// the snapshot. Application is all-or-nothing: any error leaves the caller's
// snapshot unobservable-changed.
func Apply(snapshot map[string]any, ops []Op) (*Result, error) {
	next, err := deepCopy(snapshot)
	if err != nil {
		return nil, fmt.Errorf("copy snapshot: %w", err)
	}

	var changed []string
	seen := make(map[string]bool)

	for _, op := range ops {
		var mutated bool
		switch op.Kind {
		case OpSet:
			mutated, err = applySet(next, op)
		case OpRemove:
			mutated, err = applyRemove(next, op)
		default:
			err = apperr.Validation("unknown op %q", op.Kind).WithDetail("reason", "unknown_op")
		}
		if err != nil {
			return nil, err
		}
		if mutated && !seen[op.Path.String()] {
			seen[op.Path.String()] = true
			changed = append(changed, op.Path.String())
		}
	}

	return &Result{Snapshot: next, ChangedPaths: changed}, nil
}

// TouchesPlan reports whether any changed path is the plan path or nested
// below it.
func TouchesPlan(paths []string) bool {
	for _, p := range paths {
		if p == PlanPath || len(p) > len(PlanPath) && p[:len(PlanPath)] == PlanPath && (p[len(PlanPath)] == '.' || p[len(PlanPath)] == '[') {
			return true
		}
	}
	return false
}

func applySet(root map[string]any, op Op) (bool, error) {
	segs := op.Path.Segments
	container := any(root)

	for i, seg := range segs {
		last := i == len(segs)-1

		obj, ok := container.(map[string]any)
		if !ok {
			return false, traversalError(op.Path, seg.Key)
		}

		if !seg.HasIndex() {
			if last {
				obj[seg.Key] = op.Value
				return true, nil
			}
			child, exists := obj[seg.Key]
			if !exists || child == nil {
				child = map[string]any{}
				obj[seg.Key] = child
			}
			container = child
			continue
		}

		// Indexed segment: the key addresses an array.
		arrVal, exists := obj[seg.Key]
		if !exists || arrVal == nil {
			arrVal = []any{}
		}
		arr, ok := arrVal.([]any)
		if !ok {
			return false, traversalError(op.Path, seg.Key)
		}

		switch {
		case seg.Index < len(arr):
			if last {
				arr[seg.Index] = op.Value
				return true, nil
			}
			if arr[seg.Index] == nil {
				arr[seg.Index] = map[string]any{}
			}
			container = arr[seg.Index]
		case seg.Index == len(arr):
			// Writing at the current length appends; no sparse arrays.
			if last {
				obj[seg.Key] = append(arr, op.Value)
				return true, nil
			}
			elem := map[string]any{}
			obj[seg.Key] = append(arr, elem)
			container = elem
		default:
			return false, apperr.Validation("index %d out of bounds at %s (length %d)", seg.Index, op.Path, len(arr)).
				WithDetail("reason", "index_out_of_bounds").
				WithDetail("path", op.Path.String()).
				WithDetail("length", len(arr))
		}
	}

	return false, nil
}

func applyRemove(root map[string]any, op Op) (bool, error) {
	segs := op.Path.Segments
	container := any(root)

	// Walk to the parent of the final segment. A missing intermediate makes
	// the remove a no-op.
	for _, seg := range segs[:len(segs)-1] {
		obj, ok := container.(map[string]any)
		if !ok {
			return false, nil
		}
		child, exists := obj[seg.Key]
		if !exists {
			return false, nil
		}
		if seg.HasIndex() {
			arr, ok := child.([]any)
			if !ok || seg.Index >= len(arr) {
				return false, nil
			}
			container = arr[seg.Index]
		} else {
			container = child
		}
	}

	last := segs[len(segs)-1]
	obj, ok := container.(map[string]any)
	if !ok {
		return false, nil
	}

	if !last.HasIndex() {
		if _, exists := obj[last.Key]; !exists {
			return false, nil
		}
		delete(obj, last.Key)
		return true, nil
	}

	arrVal, exists := obj[last.Key]
	if !exists {
		return false, nil
	}
	arr, ok := arrVal.([]any)
	if !ok {
		return false, nil
	}
	if last.Index >= len(arr) {
		return false, nil
	}
	if last.Index != len(arr)-1 {
		// Only the trailing element is removable; interior removal must go
		// through a whole-array set so indices stay meaningful.
		return false, apperr.Validation("only the trailing element is removable at %s", op.Path).
			WithDetail("reason", "illegal_remove").
			WithDetail("path", op.Path.String())
	}
	obj[last.Key] = arr[:last.Index]
	return true, nil
}

func traversalError(p Path, key string) error {
	return apperr.Validation("path %s traverses a non-container value at %q", p, key).
		WithDetail("reason", "bad_traversal").
		WithDetail("path", p.String())
}

// deepCopy round-trips through JSON, which also normalizes numbers to
// float64 so fingerprints stay deterministic across apply chains.
func deepCopy(snapshot map[string]any) (map[string]any, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
