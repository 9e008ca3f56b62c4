package delegate

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/floegence/redeven-orchestrator/internal/ai/agents"
	"github.com/floegence/redeven-orchestrator/internal/ai/ir"
	"github.com/floegence/redeven-orchestrator/internal/ai/tools"
)

// Invocation is one task handed to a subagent.
type Invocation struct {
	Description  string `json:"description"`
	Prompt       string `json:"prompt"`
	SubagentType string `json:"subagent_type"`
	TaskID       string `json:"task_id,omitempty"`
}

// UnknownSubagentError names a subagent that is not in the catalog.
type UnknownSubagentError struct {
	Name      string
	Available []string
}

func (e *UnknownSubagentError) Error() string {
	return fmt.Sprintf("unknown subagent %q (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// DuplicateTaskIDError reports a task_id used twice within one batch.
type DuplicateTaskIDError struct {
	TaskID string
}

func (e *DuplicateTaskIDError) Error() string {
	return fmt.Sprintf("duplicate task_id %q in parallel tasks", e.TaskID)
}

// ParseInvocations reads the arguments of a task tool call. A non-empty
// "tasks" array is a parallel batch and the top-level fields are then ignored;
// otherwise the top-level fields describe a single task.
func ParseInvocations(call ir.ToolCallRequest) ([]Invocation, error) {
	if !call.ValidArguments() {
		return nil, &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: "task arguments must be a JSON object"}
	}
	read := func(v gjson.Result) Invocation {
		return Invocation{
			Description:  strings.TrimSpace(v.Get("description").String()),
			Prompt:       strings.TrimSpace(v.Get("prompt").String()),
			SubagentType: strings.TrimSpace(v.Get("subagent_type").String()),
			TaskID:       strings.TrimSpace(v.Get("task_id").String()),
		}
	}

	var out []Invocation
	if batch := call.Arg("tasks"); batch.IsArray() && len(batch.Array()) > 0 {
		for _, v := range batch.Array() {
			out = append(out, read(v))
		}
	} else {
		out = append(out, read(gjson.Parse(call.Function.Arguments)))
	}

	for i := range out {
		if out[i].Prompt == "" {
			return nil, &tools.ToolError{Code: tools.ErrorCodeInvalidArguments, Message: fmt.Sprintf("task %d: missing prompt", i+1)}
		}
		if out[i].SubagentType == "" {
			out[i].SubagentType = agents.GeneralPurpose
		}
		if out[i].Description == "" {
			out[i].Description = oneLine(out[i].Prompt, 60)
		}
	}
	return out, nil
}

// Validate checks every subagent exists and explicit task ids are distinct.
// Entries without a task_id are exempt from the duplicate check.
func Validate(invs []Invocation, catalog Catalog) error {
	seen := make(map[string]struct{}, len(invs))
	for _, inv := range invs {
		if _, ok := catalog.Lookup(inv.SubagentType); !ok {
			return &UnknownSubagentError{Name: inv.SubagentType, Available: catalog.Names()}
		}
		if inv.TaskID == "" {
			continue
		}
		if _, dup := seen[inv.TaskID]; dup {
			return &DuplicateTaskIDError{TaskID: inv.TaskID}
		}
		seen[inv.TaskID] = struct{}{}
	}
	return nil
}

// DerivedTaskID is the id of a task that did not name one.
func DerivedTaskID(toolCallID string, index int) string {
	return fmt.Sprintf("task_%s_%d", toolCallID, index)
}
