package permission

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, text string) *Pattern {
	t.Helper()
	p, err := Parse(text)
	require.NoError(t, err, "pattern %q should parse", text)
	return p
}

func TestBashPrefixPattern(t *testing.T) {
	p := mustParse(t, "Bash(dart pub:*)")

	tests := []struct {
		name    string
		command string
		matches bool
	}{
		{"subcommand get", "dart pub get", true},
		{"subcommand upgrade", "dart pub upgrade", true},
		{"bare prefix", "dart pub", true},
		{"different subcommand", "dart run x", false},
		{"different tool entirely", "flutter pub get", false},
		{"extra whitespace collapsed", "dart   pub   get", true},
		{"tab separated", "dart\tpub get", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Matches("Bash", map[string]any{"command": tt.command})
			assert.Equal(t, tt.matches, got)
		})
	}
}

func TestBashExactAndWildcard(t *testing.T) {
	exact := mustParse(t, "Bash(git status)")
	assert.True(t, exact.Matches("Bash", map[string]any{"command": "git status"}))
	assert.True(t, exact.Matches("Bash", map[string]any{"command": "git   status"}))
	assert.False(t, exact.Matches("Bash", map[string]any{"command": "git status --short"}))

	wildcard := mustParse(t, "Bash(*)")
	assert.True(t, wildcard.Matches("Bash", map[string]any{"command": "rm -rf /"}))
	assert.False(t, wildcard.Matches("Bash", map[string]any{}), "missing command field never matches")
}

func TestPathPatternTraversalDefense(t *testing.T) {
	p := mustParse(t, "Read(/root/**)")

	tests := []struct {
		name    string
		path    string
		matches bool
	}{
		{"base dir itself", "/root", true},
		{"nested file", "/root/project/main.go", true},
		{"deeply nested", "/root/a/b/c/d.txt", true},
		{"traversal out of base", "/root/../etc/passwd", false},
		{"traversal deeper in", "/root/project/../../etc/passwd", false},
		{"percent-encoded traversal", "/root/%2e%2e/etc/passwd", false},
		{"outside base", "/etc/passwd", false},
		{"prefix but different dir", "/rootkit/x", false},
		{"double leading slash", "//root/file.txt", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Matches("Read", map[string]any{"file_path": tt.path})
			assert.Equal(t, tt.matches, got)
		})
	}
}

func TestPathPatternExactAndGlob(t *testing.T) {
	exact := mustParse(t, "Read(/etc/hosts)")
	assert.True(t, exact.Matches("Read", map[string]any{"file_path": "/etc/hosts"}))
	assert.False(t, exact.Matches("Read", map[string]any{"file_path": "/etc/hostname"}))

	glob := mustParse(t, "Read(/srv/*.log)")
	assert.True(t, glob.Matches("Read", map[string]any{"file_path": "/srv/app.log"}))
	assert.False(t, glob.Matches("Read", map[string]any{"file_path": "/srv/deep/app.log"}))
}

func TestDomainPatternDotBoundary(t *testing.T) {
	p := mustParse(t, "WebFetch(domain:github.com)")

	tests := []struct {
		name    string
		url     string
		matches bool
	}{
		{"exact host", "https://github.com/owner/repo", true},
		{"subdomain", "https://api.github.com/repos", true},
		{"nested subdomain", "https://raw.api.github.com/x", true},
		{"suffix without dot boundary", "https://githubusercontent.com/x", false},
		{"evil registered domain", "https://notgithub.com/x", false},
		{"case insensitive host", "https://API.GitHub.COM/x", true},
		{"bare host no scheme", "github.com/path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Matches("WebFetch", map[string]any{"url": tt.url})
			assert.Equal(t, tt.matches, got)
		})
	}
}

func TestEmptyArgumentIsNotWildcard(t *testing.T) {
	p := mustParse(t, "Read()")

	assert.True(t, p.Matches("Read", map[string]any{"file_path": ""}))
	assert.False(t, p.Matches("Read", map[string]any{"file_path": "/any/path"}))
	assert.False(t, p.Matches("Read", map[string]any{}), "absent field fails closed")
	assert.False(t, p.Matches("Read", nil))
}

func TestBareToolPattern(t *testing.T) {
	p := mustParse(t, "Glob")
	assert.True(t, p.Matches("Glob", map[string]any{"pattern": "**/*.go"}))
	assert.False(t, p.Matches("Grep", map[string]any{"pattern": "x"}))
}

func TestToolAlternation(t *testing.T) {
	p := mustParse(t, "Read|Glob|Grep")
	assert.True(t, p.Matches("Read", nil))
	assert.True(t, p.Matches("Grep", nil))
	assert.False(t, p.Matches("Bash", nil))
	assert.False(t, p.Matches("ReadX", nil), "alternation is anchored")
}

func TestWebSearchPatterns(t *testing.T) {
	wildcard := mustParse(t, "WebSearch(*)")
	assert.True(t, wildcard.Matches("WebSearch", map[string]any{"query": "anything"}))
	assert.False(t, wildcard.Matches("WebSearch", map[string]any{}))

	re := mustParse(t, "WebSearch(query:golang .*)")
	assert.True(t, re.Matches("WebSearch", map[string]any{"query": "golang generics"}))
	assert.False(t, re.Matches("WebSearch", map[string]any{"query": "rust generics"}))
}

func TestParseRejectsCorruptPatterns(t *testing.T) {
	corrupt := []string{
		"",
		"   ",
		"Read(/unterminated",
		"(no-tool-name)",
		"WebFetch(github.com)",
		"WebFetch(domain:)",
		"WebSearch(query:[invalid)",
		"Glob(arg-on-grammarless-tool)",
		"Read|[(bad)",
	}

	for _, text := range corrupt {
		t.Run(text, func(t *testing.T) {
			_, err := Parse(text)
			assert.Error(t, err)
		})
	}
}

func TestZeroPatternMatchesNothing(t *testing.T) {
	var p Pattern
	assert.False(t, p.Matches("Read", map[string]any{"file_path": "/x"}))
}

func TestMatchesWrongFieldType(t *testing.T) {
	p := mustParse(t, "Bash(git:*)")
	assert.False(t, p.Matches("Bash", map[string]any{"command": 42}))
}
