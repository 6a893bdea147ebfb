package tools

import "testing"

func TestIsWhitelisted(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		tool     string
		args     map[string]any
		want     bool
	}{
		{"exact tool name", []string{"read_file"}, "read_file", nil, true},
		{"name mismatch", []string{"read_file"}, "write_file", nil, false},
		{"wildcard tool", []string{"**"}, "anything", nil, true},
		{"path glob match", []string{"read_file:src/**"}, "read_file", map[string]any{"path": "src/main.go"}, true},
		{"path glob crosses separators", []string{"read_file:src/**"}, "read_file", map[string]any{"path": "src/a/b/c.go"}, true},
		{"path glob mismatch", []string{"read_file:src/**"}, "read_file", map[string]any{"path": "docs/readme.md"}, false},
		{"path glob with no path arg", []string{"read_file:src/**"}, "read_file", map[string]any{}, false},
		{"wildcard tool with path glob", []string{"**:*.md"}, "write_file", map[string]any{"path": "notes.md"}, true},
		{"second pattern matches", []string{"write_file:tmp/*", "list_directory:**"}, "list_directory", map[string]any{"path": "anywhere"}, true},
		{"question mark", []string{"read_file:file?.txt"}, "read_file", map[string]any{"path": "file1.txt"}, true},
		{"empty patterns", nil, "read_file", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isWhitelisted(tt.patterns, tt.tool, tt.args); got != tt.want {
				t.Errorf("isWhitelisted = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"src/**", "src/a/b.go", true},
		{"src/**", "src", false},
		{"**", "deep/nested/path", true},
		{"*.go", "main.go", true},
		{"*.go", "main.py", false},
		{"a?c", "abc", true},
		{"a?c", "abbc", false},
		{"literal.txt", "literal.txt", true},
		{"a+b", "a+b", true}, // regex metacharacters are literal
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.value, func(t *testing.T) {
			if got := globMatch(tt.pattern, tt.value); got != tt.want {
				t.Errorf("globMatch(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
			}
		})
	}
}
