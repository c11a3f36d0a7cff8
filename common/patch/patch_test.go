package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorecraft/cardsmith/common/apperr"
)

func rawSet(path string, value any) RawOp {
	data, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return RawOp{Op: "set", Path: path, Value: data}
}

func rawRemove(path string) RawOp {
	return RawOp{Op: "remove", Path: path}
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	ae := apperr.AsError(err)
	reason, _ := ae.Detail["reason"].(string)
	return reason
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"card.name", true},
		{"card.data.first_mes", true},
		{"worldInfo.entries[0]", true},
		{"worldInfo.entries[0].content", true},
		{"regexScripts[12]", true},
		{"scripts.on_start", true},
		{"card.tags[0]", true},
		{"_private.field", true},
		{"", false},
		{".", false},
		{"card.", false},
		{".card", false},
		{"card..name", false},
		{"card.name[", false},
		{"card.name[]", false},
		{"card.name[-1]", false},
		{"card.name[+0]", false},
		{"card.name[ 1]", false},
		{"card.name[1e2]", false},
		{"card.0name", false},
		{"card.na me", false},
		{"card.name[0][1]", false},
	}
	for _, tc := range cases {
		_, err := ParsePath(tc.path)
		if tc.ok {
			assert.NoError(t, err, "path %q", tc.path)
		} else {
			assert.Error(t, err, "path %q", tc.path)
		}
	}
}

func TestParseOps_RootWhitelist(t *testing.T) {
	_, err := ParseOps([]RawOp{rawSet("secrets.key", "x")})
	assert.Equal(t, "root_not_allowed", reasonOf(t, err))

	_, err = ParseOps([]RawOp{rawSet("card.name", "Mira")})
	assert.NoError(t, err)
}

func TestParseOps_EmptyBatch(t *testing.T) {
	_, err := ParseOps(nil)
	assert.Equal(t, "empty_batch", reasonOf(t, err))
}

func TestParseOps_UnknownOp(t *testing.T) {
	_, err := ParseOps([]RawOp{{Op: "replace", Path: "card.name"}})
	assert.Equal(t, "unknown_op", reasonOf(t, err))
}

func TestParseOps_SetRequiresValue(t *testing.T) {
	_, err := ParseOps([]RawOp{{Op: "set", Path: "card.name"}})
	assert.Equal(t, "missing_value", reasonOf(t, err))
}

func TestParseOps_RawOnlyAdmitsPlanPath(t *testing.T) {
	_, err := ParseOps([]RawOp{rawSet("raw.dataExtensions.vibePlan", map[string]any{"tasks": []any{}})})
	require.NoError(t, err)

	_, err = ParseOps([]RawOp{rawSet("raw.spec", "v3")})
	assert.Equal(t, "raw_path_not_allowed", reasonOf(t, err))

	_, err = ParseOps([]RawOp{rawRemove("raw.dataExtensions.vibePlan")})
	assert.Equal(t, "illegal_remove", reasonOf(t, err))
}

func TestParseOps_MixedRawBatchRejected(t *testing.T) {
	_, err := ParseOps([]RawOp{
		rawSet("card.name", "Mira"),
		rawSet("raw.dataExtensions.vibePlan", map[string]any{}),
	})
	assert.Equal(t, "mixed_raw_batch", reasonOf(t, err))
}

func TestParseOps_RemoveShapes(t *testing.T) {
	legal := []string{
		"worldInfo.entries[3]",
		"regexScripts[0]",
		"scripts.on_start",
		"card.creator_notes",
		"card.data.post_history_instructions",
		"card.alternateGreetings[2]",
	}
	for _, p := range legal {
		_, err := ParseOps([]RawOp{rawRemove(p)})
		assert.NoError(t, err, "remove %s", p)
	}

	illegal := []string{
		"worldInfo.entries",
		"worldInfo.entries[0].content",
		"worldInfo.name",
		"regexScripts",
		"scripts",
		"scripts.nested.key",
		"card",
		"card.tags[0]",
		"card.data.greetings[1]",
	}
	for _, p := range illegal {
		_, err := ParseOps([]RawOp{rawRemove(p)})
		assert.Equal(t, "illegal_remove", reasonOf(t, err), "remove %s", p)
	}
}

func baseSnapshot() map[string]any {
	return map[string]any{
		"card": map[string]any{
			"name": "Mira",
			"tags": []any{"fantasy"},
		},
		"worldInfo": map[string]any{
			"entries": []any{
				map[string]any{"id": "e1", "content": "The old city."},
			},
		},
		"regexScripts": []any{},
		"scripts":      map[string]any{},
		"raw":          map[string]any{},
	}
}

func mustParse(t *testing.T, raw ...RawOp) []Op {
	t.Helper()
	ops, err := ParseOps(raw)
	require.NoError(t, err)
	return ops
}

func TestApply_SetAndChangedPaths(t *testing.T) {
	snap := baseSnapshot()
	ops := mustParse(t,
		rawSet("card.name", "Vel"),
		rawSet("card.description", "A wandering cartographer."),
		rawSet("card.name", "Vel"), // duplicate path records once
	)

	res, err := Apply(snap, ops)
	require.NoError(t, err)

	assert.Equal(t, []string{"card.name", "card.description"}, res.ChangedPaths)
	card := res.Snapshot["card"].(map[string]any)
	assert.Equal(t, "Vel", card["name"])

	// Input snapshot untouched.
	assert.Equal(t, "Mira", snap["card"].(map[string]any)["name"])
}

func TestApply_CreatesIntermediateObjects(t *testing.T) {
	res, err := Apply(baseSnapshot(), mustParse(t, rawSet("card.data.extensions.depth", float64(4))))
	require.NoError(t, err)

	card := res.Snapshot["card"].(map[string]any)
	data := card["data"].(map[string]any)
	ext := data["extensions"].(map[string]any)
	assert.Equal(t, float64(4), ext["depth"])
}

func TestApply_ArrayAppendAndBounds(t *testing.T) {
	// Index == length appends.
	res, err := Apply(baseSnapshot(), mustParse(t, rawSet("card.tags[1]", "mystery")))
	require.NoError(t, err)
	tags := res.Snapshot["card"].(map[string]any)["tags"].([]any)
	assert.Equal(t, []any{"fantasy", "mystery"}, tags)

	// Index > length is out of bounds.
	_, err = Apply(baseSnapshot(), mustParse(t, rawSet("card.tags[5]", "late")))
	assert.Equal(t, "index_out_of_bounds", reasonOf(t, err))
}

func TestApply_AppendIntoMissingArray(t *testing.T) {
	res, err := Apply(baseSnapshot(), mustParse(t, rawSet("regexScripts[0]", map[string]any{"find": "a"})))
	require.NoError(t, err)
	scripts := res.Snapshot["regexScripts"].([]any)
	require.Len(t, scripts, 1)
}

func TestApply_TraversalThroughScalarFails(t *testing.T) {
	_, err := Apply(baseSnapshot(), mustParse(t, rawSet("card.name.first", "x")))
	assert.Equal(t, "bad_traversal", reasonOf(t, err))
}

func TestApply_RemoveTrailingArrayElement(t *testing.T) {
	res, err := Apply(baseSnapshot(), mustParse(t, rawRemove("worldInfo.entries[0]")))
	require.NoError(t, err)
	entries := res.Snapshot["worldInfo"].(map[string]any)["entries"].([]any)
	assert.Len(t, entries, 0)
	assert.Equal(t, []string{"worldInfo.entries[0]"}, res.ChangedPaths)
}

func TestApply_RemoveInteriorArrayElementFails(t *testing.T) {
	snap := baseSnapshot()
	wi := snap["worldInfo"].(map[string]any)
	wi["entries"] = []any{
		map[string]any{"id": "e1"},
		map[string]any{"id": "e2"},
	}

	_, err := Apply(snap, mustParse(t, rawRemove("worldInfo.entries[0]")))
	assert.Equal(t, "illegal_remove", reasonOf(t, err))
}

func TestApply_RemoveMissingIsNoOp(t *testing.T) {
	res, err := Apply(baseSnapshot(), mustParse(t, rawRemove("card.creator_notes")))
	require.NoError(t, err)
	assert.Empty(t, res.ChangedPaths)

	res, err = Apply(baseSnapshot(), mustParse(t, rawRemove("worldInfo.entries[9]")))
	require.NoError(t, err)
	assert.Empty(t, res.ChangedPaths)
}

func TestApply_AllOrNothing(t *testing.T) {
	snap := baseSnapshot()
	ops := mustParse(t,
		rawSet("card.name", "Vel"),
		rawSet("card.tags[9]", "nope"),
	)

	_, err := Apply(snap, ops)
	require.Error(t, err)

	// First op must not have leaked into the caller's snapshot.
	assert.Equal(t, "Mira", snap["card"].(map[string]any)["name"])
}

func TestTouchesPlan(t *testing.T) {
	assert.True(t, TouchesPlan([]string{PlanPath}))
	assert.True(t, TouchesPlan([]string{PlanPath + ".tasks[0]"}))
	assert.False(t, TouchesPlan([]string{"card.name"}))
	assert.False(t, TouchesPlan([]string{"raw.dataExtensions.vibePlanB"}))
}

func TestWireRoundTrip(t *testing.T) {
	ops := mustParse(t, rawSet("card.name", "Vel"), rawRemove("scripts.on_start"))
	wire := WireOps(ops)

	again, err := ParseOps(wire)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, OpSet, again[0].Kind)
	assert.Equal(t, "card.name", again[0].Path.String())
	assert.Equal(t, OpRemove, again[1].Kind)
}
