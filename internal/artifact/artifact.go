// Package artifact renders session logs to files and parses them back.
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Formats understood by RendererFor.
const (
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
)

// RendererFor returns the renderer and file extension for format. An empty
// format selects JSON.
func RendererFor(format string) (Renderer, string, error) {
	switch strings.ToLower(format) {
	case "", FormatJSON:
		return &JSONRenderer{}, ".json", nil
	case FormatYAML, "yml":
		return &YAMLRenderer{}, ".yaml", nil
	case FormatMarkdown, "md":
		return &MarkdownRenderer{}, ".md", nil
	default:
		return nil, "", fmt.Errorf("unknown log format %q (want json, yaml or markdown)", format)
	}
}

// ParserFor picks a parser from the file extension.
func ParserFor(path string) Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return &YAMLParser{}
	case ".md", ".markdown":
		return &MarkdownParser{}
	default:
		return &JSONParser{}
	}
}
