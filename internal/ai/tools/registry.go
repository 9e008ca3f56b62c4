package tools

import (
	"sort"
	"strings"
)

const (
	ReadToolName      = "read"
	ListToolName      = "list"
	CreateToolName    = "create"
	EditToolName      = "edit"
	AppendToolName    = "append"
	PrependToolName   = "prepend"
	RewriteToolName   = "rewrite"
	ShellToolName     = "shell"
	FetchToolName     = "fetch"
	MCPToolName       = "mcp"
	WebSearchToolName = "web-search"
	// TaskToolName is the delegation tool.
	TaskToolName = "task"
)

const pathOnlySchema = `{"type":"object","properties":{"path":{"type":"string","description":"Absolute file path."}},"required":["path"]}`

const fileWriteSchema = `{"type":"object","properties":{"path":{"type":"string"},"text":{"type":"string"}},"required":["path","text"]}`

const taskSchema = `{"type":"object","properties":{` +
	`"description":{"type":"string","description":"Short (3-5 word) description of the task."},` +
	`"prompt":{"type":"string","description":"Full instructions for the subagent."},` +
	`"subagent_type":{"type":"string","description":"Name of the subagent to delegate to."},` +
	`"task_id":{"type":"string","description":"Reuse an earlier task_id to resume that session."},` +
	`"tasks":{"type":"array","description":"Run several independent tasks in parallel.","items":{"type":"object","properties":{` +
	`"description":{"type":"string"},"prompt":{"type":"string"},"subagent_type":{"type":"string"},"task_id":{"type":"string"}},` +
	`"required":["description","prompt","subagent_type"]}}}}`

var builtinDefinitions = map[string]Definition{
	ReadToolName: {
		Name:        ReadToolName,
		Description: "Read a file and record it as seen.",
		Schema:      pathOnlySchema,
	},
	ListToolName: {
		Name:        ListToolName,
		Description: "List a directory.",
		Schema:      `{"type":"object","properties":{"dirPath":{"type":"string"}}}`,
	},
	CreateToolName: {
		Name:             CreateToolName,
		Description:      "Create a new file.",
		Mutating:         true,
		RequiresApproval: true,
		Schema:           fileWriteSchema,
	},
	EditToolName: {
		Name:             EditToolName,
		Description:      "Apply a unified diff to an existing file.",
		Mutating:         true,
		RequiresApproval: true,
		Schema:           `{"type":"object","properties":{"path":{"type":"string"},"patch":{"type":"string","description":"Unified diff against the current file content."}},"required":["path","patch"]}`,
	},
	AppendToolName: {
		Name:             AppendToolName,
		Description:      "Append text to a file.",
		Mutating:         true,
		RequiresApproval: true,
		Schema:           fileWriteSchema,
	},
	PrependToolName: {
		Name:             PrependToolName,
		Description:      "Prepend text to a file.",
		Mutating:         true,
		RequiresApproval: true,
		Schema:           fileWriteSchema,
	},
	RewriteToolName: {
		Name:             RewriteToolName,
		Description:      "Replace the whole content of a file.",
		Mutating:         true,
		RequiresApproval: true,
		Schema:           fileWriteSchema,
	},
	ShellToolName: {
		Name:             ShellToolName,
		Description:      "Run a shell command in the working directory.",
		Mutating:         true,
		RequiresApproval: true,
		Schema:           `{"type":"object","properties":{"command":{"type":"string"},"timeout":{"type":"integer"}},"required":["command"]}`,
	},
	FetchToolName: {
		Name:        FetchToolName,
		Description: "Fetch a URL.",
		Schema:      `{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`,
	},
	MCPToolName: {
		Name:             MCPToolName,
		Description:      "Call a tool on a configured MCP server.",
		RequiresApproval: true,
		Schema:           `{"type":"object","properties":{"server":{"type":"string"},"tool":{"type":"string"},"arguments":{"type":"object"}},"required":["server","tool"]}`,
	},
	WebSearchToolName: {
		Name:        WebSearchToolName,
		Description: "Search the web.",
		Schema:      `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
	},
	TaskToolName: {
		Name:        TaskToolName,
		Description: "Delegate one or more tasks to subagents. Each task runs as its own agent session.",
		Schema:      taskSchema,
	},
}

func LookupDefinition(toolName string) (Definition, bool) {
	name := strings.TrimSpace(toolName)
	if name == "" {
		return Definition{}, false
	}
	def, ok := builtinDefinitions[name]
	if !ok {
		return Definition{}, false
	}
	return def, true
}

// Definitions returns the built-in definitions sorted by name. A non-empty
// allow list restricts the result to those names.
func Definitions(allow []string) []Definition {
	var filter map[string]struct{}
	if len(allow) > 0 {
		filter = make(map[string]struct{}, len(allow))
		for _, name := range allow {
			filter[strings.TrimSpace(name)] = struct{}{}
		}
	}
	out := make([]Definition, 0, len(builtinDefinitions))
	for name, def := range builtinDefinitions {
		if filter != nil {
			if _, ok := filter[name]; !ok {
				continue
			}
		}
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func RequiresApproval(toolName string) bool {
	def, ok := LookupDefinition(toolName)
	return ok && def.RequiresApproval
}

func IsMutating(toolName string) bool {
	def, ok := LookupDefinition(toolName)
	return ok && def.Mutating
}
