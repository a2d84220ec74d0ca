package procmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesTool(t *testing.T) {
	tests := []struct {
		name string
		tool string
		exe  string
		args []string
		want bool
	}{
		{"bare name", "claude", "", []string{"claude"}, true},
		{"absolute path", "claude", "/usr/local/bin/claude", []string{"claude"}, true},
		{"case insensitive bundle", "claude", "", []string{"/Applications/Claude.app/Contents/MacOS/Claude"}, true},
		{"node launcher", "claude", "/usr/bin/node", []string{"node", "/home/u/.nvm/bin/claude"}, true},
		{"flag between launcher and script", "codex", "", []string{"node", "--enable-source-maps", "/opt/codex"}, true},
		{"prefix of longer word", "claude", "", []string{"claudette"}, false},
		{"embedded without boundary", "codex", "", []string{"encodexpress"}, false},
		{"node_modules bin helper", "claude", "", []string{"node", "/proj/node_modules/.bin/claude"}, false},
		{"unrelated process", "claude", "/usr/bin/vim", []string{"vim", "main.go"}, false},
		{"match beyond leading args ignored", "claude", "", []string{"grep", "-r", "foo", "claude"}, false},
		{"empty args", "claude", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesTool(tt.tool, tt.exe, tt.args))
		})
	}
}

func TestContainsBounded(t *testing.T) {
	assert.True(t, containsBounded("/usr/bin/claude", "claude"))
	assert.True(t, containsBounded("claude", "claude"))
	assert.True(t, containsBounded("claude.app/contents", "claude"))
	assert.False(t, containsBounded("claudette", "claude"))
	assert.False(t, containsBounded("xclaude", "claude"))
	// Later occurrence with a boundary still matches.
	assert.True(t, containsBounded("claudex/claude", "claude"))
}

func TestIsUnder(t *testing.T) {
	assert.True(t, isUnder("/home/u/.claude/projects/x", "/home/u/.claude"))
	assert.True(t, isUnder("/home/u/.claude", "/home/u/.claude"))
	assert.False(t, isUnder("/home/u/.claude-backup", "/home/u/.claude"))
	assert.False(t, isUnder("/home/u/work", "/home/u/.claude"))
}
