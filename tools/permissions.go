package tools

import (
	"regexp"
	"strings"
)

// isWhitelisted checks whether a tool call matches any auto-approve
// pattern. Patterns have the form "tool_name:path_glob"; the tool part must
// equal the tool name or be "**". When a path part is present it is
// glob-matched against the call's "path" argument; a pattern without a path
// part approves every call to that tool.
func isWhitelisted(patterns []string, name string, args map[string]any) bool {
	for _, pattern := range patterns {
		toolPart, pathPart, hasPath := strings.Cut(pattern, ":")
		if toolPart != name && toolPart != "**" {
			continue
		}
		if !hasPath || pathPart == "" {
			return true
		}
		path, ok := args["path"].(string)
		if !ok {
			continue
		}
		if globMatch(pathPart, path) {
			return true
		}
	}
	return false
}

// globMatch matches a glob pattern where "*" crosses path separators
// (fnmatch semantics, so "src/**" matches "src/a/b.go"). "?" matches one
// character; everything else is literal.
func globMatch(pattern, value string) bool {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
