package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvocationAccess_Shell(t *testing.T) {
	t.Parallel()

	cases := []struct {
		command string
		want    Access
	}{
		{`rg "TODO|FIXME" . --glob '!.git'`, AccessRead},
		{"git status && git diff", AccessRead},
		{`bash -lc 'pwd && rg --files | head -n 20'`, AccessRead},
		{"LC_ALL=C grep -n foo main.go 2>/dev/null", AccessRead},
		{"sed -n 1,20p main.go", AccessRead},
		{"printf 'hello' > note.txt", AccessWrite},
		{"cat a.txt > b.txt", AccessWrite},
		{"sed -i s/a/b/ main.go", AccessWrite},
		{"git commit -m wip", AccessWrite},
		{"ls; touch x", AccessWrite},
		{"rm -rf /tmp/workspace", AccessWrite},
		{"", AccessWrite},
		{"rm -rf /", AccessDestructive},
		{`sh -c "rm -rf /"`, AccessDestructive},
		{"sudo shutdown now", AccessDestructive},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, InvocationAccess(ShellToolName, map[string]any{"command": tc.command}), tc.command)
	}
}

func TestInvocationAccess_FollowsDefinitions(t *testing.T) {
	t.Parallel()
	assert.Equal(t, AccessRead, InvocationAccess(ReadToolName, nil))
	assert.Equal(t, AccessWrite, InvocationAccess(EditToolName, nil))
	assert.Equal(t, AccessWrite, InvocationAccess(MCPToolName, nil))
	assert.Equal(t, AccessWrite, InvocationAccess("unknown", nil))
	assert.False(t, IsDangerousInvocation(EditToolName, map[string]any{"command": "rm -rf /"}))
}

func TestInvocationPolicies_Shell(t *testing.T) {
	t.Parallel()

	readonlyArgs := map[string]any{"command": "pwd"}
	assert.False(t, RequiresApprovalForInvocation(ShellToolName, readonlyArgs))
	assert.False(t, IsMutatingForInvocation(ShellToolName, readonlyArgs))
	assert.False(t, IsDangerousInvocation(ShellToolName, readonlyArgs))

	dangerousArgs := map[string]any{"command": "rm -rf /"}
	assert.True(t, RequiresApprovalForInvocation(ShellToolName, dangerousArgs))
	assert.True(t, IsMutatingForInvocation(ShellToolName, dangerousArgs))
	assert.True(t, IsDangerousInvocation(ShellToolName, dangerousArgs))

	assert.True(t, RequiresApprovalForInvocation(EditToolName, nil))
	assert.False(t, RequiresApprovalForInvocation(FetchToolName, nil))
}
