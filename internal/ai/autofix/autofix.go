// Package autofix repairs tool calls the model got almost right: argument JSON
// that does not parse, and edit diffs whose hunks no longer line up with the file.
package autofix

import (
	"context"
	"log/slog"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/tidwall/gjson"

	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
)

// FixJSON repairs malformed tool-call argument text. ok is false when the
// result is still not a JSON object.
func FixJSON(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if gjson.Valid(raw) {
		return raw, gjson.Parse(raw).IsObject()
	}
	fixed, err := jsonrepair.RepairJSON(raw)
	if err != nil {
		return "", false
	}
	fixed = strings.TrimSpace(fixed)
	if !gjson.Valid(fixed) || !gjson.Parse(fixed).IsObject() {
		return "", false
	}
	return fixed, true
}

// FixEdit re-derives the patch of an edit call against the file's current
// content. It returns the corrected arguments JSON.
func FixEdit(ctx context.Context, reader tools.UntrackedReader, call ir.ToolCallRequest) (string, bool) {
	if reader == nil || strings.TrimSpace(call.Function.Name) != tools.EditToolName {
		return "", false
	}
	path := call.ArgString("path")
	patch := call.Arg("patch").String()
	if path == "" || strings.TrimSpace(patch) == "" {
		return "", false
	}
	current, err := reader.ReadUntracked(ctx, path)
	if err != nil {
		return "", false
	}
	fixed, err := Reanchor(current, patch)
	if err != nil {
		return "", false
	}
	next, err := call.WithArgument("patch", fixed)
	if err != nil {
		return "", false
	}
	return next.Function.Arguments, true
}

// Fixer binds the fixes to an untracked reader.
type Fixer struct {
	Reader tools.UntrackedReader
	Logger *slog.Logger
}

func (f *Fixer) FixJSON(raw string) (string, bool) {
	out, ok := FixJSON(raw)
	f.log("fix-json", ok)
	return out, ok
}

func (f *Fixer) FixEdit(ctx context.Context, call ir.ToolCallRequest) (string, bool) {
	if f == nil {
		return "", false
	}
	out, ok := FixEdit(ctx, f.Reader, call)
	f.log("diff-apply", ok)
	return out, ok
}

func (f *Fixer) log(kind string, ok bool) {
	if f == nil || f.Logger == nil {
		return
	}
	f.Logger.Debug("autofix attempt", "kind", kind, "ok", ok)
}
