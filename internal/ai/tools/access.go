package tools

import (
	"regexp"
	"strings"
)

// Access is how far one invocation reaches into the workspace. Approval is
// decided from it: read access runs unattended, write access asks, and
// destructive access always asks, whitelist or not.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
	AccessDestructive
)

// InvocationAccess reports the access of a single call. Shell calls are
// judged from their command text; every other tool from its definition.
func InvocationAccess(toolName string, args map[string]any) Access {
	name := strings.TrimSpace(toolName)
	if name == ShellToolName {
		command, _ := args["command"].(string)
		return shellAccess(command)
	}
	if def, ok := LookupDefinition(name); ok && !def.Mutating && !def.RequiresApproval {
		return AccessRead
	}
	return AccessWrite
}

func RequiresApprovalForInvocation(toolName string, args map[string]any) bool {
	if strings.TrimSpace(toolName) == ShellToolName {
		return InvocationAccess(toolName, args) != AccessRead
	}
	return RequiresApproval(toolName)
}

func IsMutatingForInvocation(toolName string, args map[string]any) bool {
	if strings.TrimSpace(toolName) == ShellToolName {
		return InvocationAccess(toolName, args) != AccessRead
	}
	return IsMutating(toolName)
}

func IsDangerousInvocation(toolName string, args map[string]any) bool {
	return InvocationAccess(toolName, args) == AccessDestructive
}

// Commands that only read the workspace. Git entries name the subcommand.
var readOnlyCommands = map[string]bool{
	"cat": true, "find": true, "grep": true, "head": true, "ls": true,
	"pwd": true, "rg": true, "stat": true, "tail": true, "wc": true,
	"git diff": true, "git log": true, "git show": true, "git status": true,
}

var (
	destructiveShell = regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:` +
		`|\brm\s+-rf\s+(?:--no-preserve-root\s+)?/\s*(?:$|[;&|])` +
		`|\bmkfs(?:\.[a-z0-9_-]+)?\b` +
		`|\bdd\b[^\n]*\bof=/dev/` +
		`|\b(?:shutdown|reboot|poweroff|halt)\b`)
	shellWrapper  = regexp.MustCompile(`^(?:ba|z)?sh\s+-l?c\s+(.+)$`)
	envAssignment = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)
	harmlessRedir = strings.NewReplacer("2>&1", "", "1>&2", "", "2>/dev/null", "", ">/dev/null", "")
)

func shellAccess(command string) Access {
	command = strings.TrimSpace(command)
	if m := shellWrapper.FindStringSubmatch(command); m != nil {
		command = unquote(strings.TrimSpace(m[1]))
	}
	if destructiveShell.MatchString(strings.ToLower(command)) {
		return AccessDestructive
	}
	stages := shellStages(command)
	if len(stages) == 0 {
		return AccessWrite
	}
	for _, stage := range stages {
		if !readOnlyStage(stage) {
			return AccessWrite
		}
	}
	return AccessRead
}

func unquote(s string) string {
	if n := len(s); n >= 2 && (s[0] == '\'' || s[0] == '"') && s[n-1] == s[0] {
		return strings.TrimSpace(s[1 : n-1])
	}
	return s
}

// shellStages splits a command on unquoted `;`, `|`, `||`, `&&` and newlines.
func shellStages(command string) []string {
	var stages []string
	var quote byte
	start := 0
	cut := func(end int) {
		if s := strings.TrimSpace(command[start:end]); s != "" {
			stages = append(stages, s)
		}
	}
	for i := 0; i < len(command); i++ {
		c := command[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\\':
			i++
		case c == '\'' || c == '"' || c == '`':
			quote = c
		case c == ';' || c == '\n' || c == '|':
			cut(i)
			if c == '|' && i+1 < len(command) && command[i+1] == '|' {
				i++
			}
			start = i + 1
		case c == '&' && i+1 < len(command) && command[i+1] == '&':
			cut(i)
			i++
			start = i + 1
		}
	}
	cut(len(command))
	return stages
}

func readOnlyStage(stage string) bool {
	if strings.Contains(harmlessRedir.Replace(stage), ">") {
		return false
	}
	fields := strings.Fields(stage)
	for len(fields) > 0 && envAssignment.MatchString(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return false
	}
	verb := strings.ToLower(fields[0])
	switch verb {
	case "git":
		for _, arg := range fields[1:] {
			if !strings.HasPrefix(arg, "-") {
				return readOnlyCommands["git "+strings.ToLower(arg)]
			}
		}
		return false
	case "sed":
		lower := strings.ToLower(stage)
		return strings.Contains(lower, "-n") && !strings.Contains(lower, " -i")
	}
	return readOnlyCommands[verb]
}
