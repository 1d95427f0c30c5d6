package artifact

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/fakeyudi/sessionwatch/internal/session"
)

const (
	versionSentinel = "<!-- sessionwatch-log-version: 1 -->"
	dataPrefix      = "<!-- sessionwatch-data: "
	dataSuffix      = " -->"
)

// Parser deserializes a log artifact back into structured data.
type Parser interface {
	Parse(data []byte) (*session.Log, error)
}

// JSONParser parses a JSON log.
type JSONParser struct{}

func (p *JSONParser) Parse(data []byte) (*session.Log, error) {
	var l session.Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse JSON log: %w", err)
	}
	return &l, nil
}

// YAMLParser parses a YAML log.
type YAMLParser struct{}

func (p *YAMLParser) Parse(data []byte) (*session.Log, error) {
	var l session.Log
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to parse YAML log: %w", err)
	}
	return &l, nil
}

// MarkdownParser parses a Markdown report by extracting the embedded base64
// JSON payload from the sentinel comments.
type MarkdownParser struct{}

func (p *MarkdownParser) Parse(data []byte) (*session.Log, error) {
	content := string(data)

	if !strings.Contains(content, versionSentinel) {
		return nil, fmt.Errorf("not a valid sessionwatch log: missing version sentinel")
	}

	start := strings.Index(content, dataPrefix)
	if start == -1 {
		return nil, fmt.Errorf("not a valid sessionwatch log: missing data payload")
	}
	start += len(dataPrefix)
	end := strings.Index(content[start:], dataSuffix)
	if end == -1 {
		return nil, fmt.Errorf("not a valid sessionwatch log: malformed data payload")
	}
	encoded := content[start : start+end]

	jsonBytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("not a valid sessionwatch log: corrupted base64 payload: %w", err)
	}

	var l session.Log
	if err := json.Unmarshal(jsonBytes, &l); err != nil {
		return nil, fmt.Errorf("not a valid sessionwatch log: failed to parse embedded JSON: %w", err)
	}
	return &l, nil
}
