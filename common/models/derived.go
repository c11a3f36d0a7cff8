package models

import "fmt"

// Derive recomputes the snapshot's derived fields: validation diagnostics
// and a progress summary. It is a pure function of the snapshot and is
// re-run by the document store on every successful apply; the result is
// recorded in the new version's metadata.
func Derive(snapshot Snapshot) map[string]any {
	var diagnostics []string

	card, _ := snapshot["card"].(map[string]any)
	if name, _ := card["name"].(string); name == "" {
		diagnostics = append(diagnostics, "card has no name")
	}
	if desc, _ := card["description"].(string); desc == "" {
		diagnostics = append(diagnostics, "card has no description")
	}

	wi, _ := snapshot["worldInfo"].(map[string]any)
	entries, _ := wi["entries"].([]any)
	for i, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("world-info entry %d is not an object", i))
			continue
		}
		if content, _ := entry["content"].(string); content == "" {
			diagnostics = append(diagnostics, fmt.Sprintf("world-info entry %d has no content", i))
		}
	}

	done, total := PlanProgress(snapshot)

	derived := map[string]any{
		"entry_count":   len(entries),
		"plan_progress": fmt.Sprintf("%d/%d", done, total),
	}
	if len(diagnostics) > 0 {
		derived["diagnostics"] = diagnostics
	}
	return derived
}
