// Package runbook turns documents into structured runbooks: JSON documents
// are schema-decoded, markdown documents are structurally parsed.
package runbook

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFrontMatter splits a markdown document into its front-matter map
// and body. The front matter is a key-value header block delimited by
// `---` lines at the top of the file. Documents without front matter
// return an empty map and the full content.
func ParseFrontMatter(content string) (map[string]string, string) {
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r ")
	if !strings.HasPrefix(trimmed, "---") {
		return map[string]string{}, content
	}

	rest := trimmed[3:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return map[string]string{}, content
	}

	header := rest[:end]
	body := strings.TrimPrefix(rest[end+len("\n---"):], "\n")

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(header), &raw); err != nil {
		return map[string]string{}, content
	}

	meta := make(map[string]string, len(raw))
	for key, value := range raw {
		meta[key] = fmt.Sprintf("%v", value)
	}
	return meta, body
}
