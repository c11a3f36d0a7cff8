package service

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lorecraft/cardsmith/common/apperr"
	"github.com/lorecraft/cardsmith/common/models"
	"github.com/lorecraft/cardsmith/common/patch"
)

// DiffWorldInfo turns a desired world-info sub-document into restricted
// patch operations against the current snapshot. The agent hands over the
// whole target state; entries are matched by their `id` field, so it never
// has to reason about array indices.
//
// Unchanged entries are left alone, which also preserves any fields the
// agent's rendition dropped. Changed entries are rewritten at their current
// index with the desired fields overlaid on the current ones. Appends go to
// the end. Any deletion or reordering falls back to one whole-array set,
// since the mutation language only removes trailing elements.
func DiffWorldInfo(current models.Snapshot, desired map[string]any) ([]patch.Op, error) {
	curEntries := worldInfoEntries(current)
	desEntries, hasEntries, err := desiredEntries(desired)
	if err != nil {
		return nil, err
	}

	var ops []patch.Op

	// Top-level fields other than entries diff key by key.
	curWI, _ := current["worldInfo"].(map[string]any)
	for key, want := range desired {
		if key == "entries" {
			continue
		}
		if !jsonEqual(curWI[key], want) {
			ops = append(ops, patch.SetOp("worldInfo."+key, want))
		}
	}
	if !hasEntries {
		// An absent entries key means leave the entries alone.
		return ops, nil
	}

	curIDs, curByID, ok := indexByID(curEntries)
	if !ok {
		// Current entries without usable ids cannot be matched; rewrite the
		// whole array.
		return append(ops, patch.SetOp("worldInfo.entries", desEntries)), nil
	}

	desIDs := make([]string, 0, len(desEntries))
	merged := make([]any, 0, len(desEntries))
	for i, e := range desEntries {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, apperr.Validation("world-info entry %d is not an object", i).
				WithDetail("reason", "malformed_output")
		}
		id, _ := entry["id"].(string)
		if id == "" {
			return nil, apperr.Validation("world-info entry %d has no id", i).
				WithDetail("reason", "malformed_output")
		}
		desIDs = append(desIDs, id)
		if cur, exists := curByID[id]; exists {
			merged = append(merged, overlayEntry(cur, entry))
		} else {
			merged = append(merged, entry)
		}
	}

	if sameOrderPrefix(curIDs, desIDs) {
		// Pure update-and-append case: per-entry ops.
		for i := range merged {
			if i >= len(curIDs) || !jsonEqual(curEntries[i], merged[i]) {
				ops = append(ops, patch.SetOp(entryPath(i), merged[i]))
			}
		}
		return ops, nil
	}

	return append(ops, patch.SetOp("worldInfo.entries", merged)), nil
}

func entryPath(i int) string {
	return fmt.Sprintf("worldInfo.entries[%d]", i)
}

func worldInfoEntries(snapshot models.Snapshot) []any {
	wi, _ := snapshot["worldInfo"].(map[string]any)
	entries, _ := wi["entries"].([]any)
	return entries
}

func desiredEntries(desired map[string]any) ([]any, bool, error) {
	raw, ok := desired["entries"]
	if !ok {
		return nil, false, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, true, apperr.Validation("worldInfo.entries must be an array").
			WithDetail("reason", "malformed_output")
	}
	return entries, true, nil
}

// indexByID maps current entries by id. Reports !ok when any entry lacks a
// string id or ids repeat.
func indexByID(entries []any) ([]string, map[string]map[string]any, bool) {
	ids := make([]string, 0, len(entries))
	byID := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			return nil, nil, false
		}
		id, _ := entry["id"].(string)
		if id == "" {
			return nil, nil, false
		}
		if _, dup := byID[id]; dup {
			return nil, nil, false
		}
		ids = append(ids, id)
		byID[id] = entry
	}
	return ids, byID, true
}

// overlayEntry keeps fields the desired rendition omitted.
func overlayEntry(current, desired map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(desired))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range desired {
		out[k] = v
	}
	return out
}

// sameOrderPrefix reports whether desired keeps every current id, in order,
// possibly followed by new ids.
func sameOrderPrefix(current, desired []string) bool {
	if len(desired) < len(current) {
		return false
	}
	for i, id := range current {
		if desired[i] != id {
			return false
		}
	}
	return true
}

// jsonEqual compares two values by their canonical JSON encodings.
func jsonEqual(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return jsonpatch.Equal(aj, bj)
}
