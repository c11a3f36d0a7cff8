package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/lorecraft/cardsmith/common/agent"
	"github.com/lorecraft/cardsmith/common/models"
)

// protocolInstruction tells the agent how to express mutations. This is the
// whole output contract: at most one fenced action block, closed intent set.
const protocolInstruction = `You are editing a character card draft. Reply with your reasoning as plain
text. To change the draft, include AT MOST ONE fenced code block tagged
` + "`action`" + ` containing a JSON object of the form {"intents": [...]}.

Each intent has a "kind":
- {"kind": "plan", "plan": <full task plan>} replaces your task plan. Plan
  changes are always held for human review.
- {"kind": "patch", "ops": [{"op": "set"|"remove", "path": "...", "value": ...}]}
  edits the draft directly. Paths are dot paths under the roots card,
  worldInfo, regexScripts, scripts. Setting an array index equal to the
  current length appends.
- {"kind": "world_info", "worldInfo": {"entries": [...]}} hands over the
  complete desired world-info state; entries are matched by their "id"
  field and the diff is computed for you.

If the work is complete, reply without an action block.`

// ContextBuilder assembles the agent request for one turn: a compact draft
// preview, the addressable-path rendering, recent conversation, and the
// output-protocol instruction.
type ContextBuilder struct {
	messages MessageStore

	// MessageWindow bounds how many log entries are replayed to the agent.
	MessageWindow int

	// ValueLimit bounds how many characters of any single value appear in
	// the rendering.
	ValueLimit int
}

// NewContextBuilder creates a context builder over the message log.
func NewContextBuilder(messages MessageStore) *ContextBuilder {
	return &ContextBuilder{messages: messages, MessageWindow: 30, ValueLimit: 160}
}

// Build produces the request for one turn against the given head version.
func (b *ContextBuilder) Build(ctx context.Context, draftID uuid.UUID, head *models.DraftVersion, instruction string) (*agent.Request, error) {
	recent, err := b.messages.ListRecent(ctx, draftID, b.MessageWindow)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(protocolInstruction)
	sb.WriteString("\n\n## Current draft (version ")
	fmt.Fprintf(&sb, "%d)\n\n", head.Version)
	sb.WriteString(b.preview(head.Snapshot))
	sb.WriteString("\n## Draft contents by path\n\n")
	sb.WriteString(b.render(head.Snapshot))
	if instruction != "" {
		sb.WriteString("\n## Instruction\n\n")
		sb.WriteString(instruction)
	}

	req := &agent.Request{Instruction: sb.String()}
	for _, m := range recent {
		role := string(m.Role)
		if m.Role == models.RoleSystem {
			// Audit entries read as user-side context to the agent.
			role = string(models.RoleUser)
		}
		req.Messages = append(req.Messages, agent.Message{Role: role, Content: m.Content})
	}
	return req, nil
}

// preview is the at-a-glance summary: identity fields, counts, plan state.
func (b *ContextBuilder) preview(snapshot models.Snapshot) string {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	if name := gjson.GetBytes(data, "card.name"); name.Exists() {
		fmt.Fprintf(&sb, "Name: %s\n", name.String())
	}
	if desc := gjson.GetBytes(data, "card.description"); desc.Exists() {
		fmt.Fprintf(&sb, "Description: %s\n", truncateText(desc.String(), b.ValueLimit))
	}
	fmt.Fprintf(&sb, "World-info entries: %d\n", len(gjson.GetBytes(data, "worldInfo.entries").Array()))
	fmt.Fprintf(&sb, "Regex scripts: %d\n", len(gjson.GetBytes(data, "regexScripts").Array()))
	if scripts := gjson.GetBytes(data, "scripts"); scripts.IsObject() {
		var keys []string
		scripts.ForEach(func(k, _ gjson.Result) bool {
			keys = append(keys, k.String())
			return true
		})
		if len(keys) > 0 {
			sort.Strings(keys)
			fmt.Fprintf(&sb, "Scripts: %s\n", strings.Join(keys, ", "))
		}
	}
	done, total := models.PlanProgress(snapshot)
	if total > 0 {
		fmt.Fprintf(&sb, "Plan: %d/%d tasks done\n", done, total)
	} else {
		sb.WriteString("Plan: none\n")
	}
	return sb.String()
}

// render enumerates the draft as addressable path = value lines so the
// agent can target its patches precisely.
func (b *ContextBuilder) render(snapshot models.Snapshot) string {
	var sb strings.Builder
	roots := []string{"card", "worldInfo", "regexScripts", "scripts", "raw"}
	for _, root := range roots {
		val, ok := snapshot[root]
		if !ok {
			continue
		}
		b.renderValue(&sb, root, val, 0)
	}
	return sb.String()
}

func (b *ContextBuilder) renderValue(sb *strings.Builder, path string, val any, depth int) {
	// Leaves beyond this depth render as truncated JSON so the context
	// stays bounded on deeply nested data.
	const maxDepth = 4

	switch v := val.(type) {
	case map[string]any:
		if len(v) == 0 || depth >= maxDepth {
			b.renderLeaf(sb, path, v)
			return
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.renderValue(sb, path+"."+k, v[k], depth+1)
		}
	case []any:
		if len(v) == 0 || depth >= maxDepth {
			b.renderLeaf(sb, path, v)
			return
		}
		for i, elem := range v {
			b.renderValue(sb, fmt.Sprintf("%s[%d]", path, i), elem, depth+1)
		}
	default:
		b.renderLeaf(sb, path, val)
	}
}

func (b *ContextBuilder) renderLeaf(sb *strings.Builder, path string, val any) {
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	fmt.Fprintf(sb, "%s = %s\n", path, truncateText(string(data), b.ValueLimit))
}

func truncateText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
