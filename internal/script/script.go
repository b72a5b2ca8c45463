// Package script holds the hidden behavioral script, the visible seed and the
// fixed notices shown to participants.
package script

import (
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/MingMingbee/chatbot-experiment/internal/persona"
)

//go:embed script.yaml
var defaultScript []byte

var errMissingField = errors.New("script field is empty")

// Script is the rendered, immutable content a session is initialized with.
type Script struct {
	SystemPrompt string
	Seed         string
	FormatError  string
	Placeholder  string
	ConditionKey string
	// Personas is the condition variant table the prompt was rendered with.
	Personas     persona.Table
}

type document struct {
	ConditionKey string        `yaml:"condition_key"`
	SystemPrompt string        `yaml:"system_prompt"`
	Seed         string        `yaml:"seed"`
	FormatError  string        `yaml:"format_error"`
	Placeholder  string        `yaml:"placeholder"`
	Variants     persona.Table `yaml:"variants"`
}

type promptData struct {
	ConditionKey string
	FormatError  string
	Groups       []persona.Group
	Variants     []persona.Variant
}

var loadDefault = sync.OnceValues(func() (*Script, error) {
	return Parse(defaultScript)
})

// Load returns the embedded default script.
func Load() (*Script, error) {
	return loadDefault()
}

// Parse decodes a YAML script document and renders its system prompt.
func Parse(data []byte) (*Script, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}

	for name, v := range map[string]string{
		"condition_key": doc.ConditionKey,
		"system_prompt": doc.SystemPrompt,
		"seed":          doc.Seed,
		"format_error":  doc.FormatError,
	} {
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("%w: %s", errMissingField, name)
		}
	}

	table := doc.Variants
	if len(table) == 0 {
		table = persona.DefaultTable()
	} else if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("variants: %w", err)
	}

	tmpl, err := template.New("system_prompt").
		Funcs(template.FuncMap{"join": joinInts}).
		Option("missingkey=error").
		Parse(doc.SystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse system prompt template: %w", err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, promptData{
		ConditionKey: doc.ConditionKey,
		FormatError:  strings.TrimSpace(doc.FormatError),
		Groups:       persona.Groups(),
		Variants:     table.Variants(),
	}); err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	return &Script{
		SystemPrompt: strings.TrimSpace(b.String()),
		Seed:         strings.TrimSpace(doc.Seed),
		FormatError:  strings.TrimSpace(doc.FormatError),
		Placeholder:  strings.TrimSpace(doc.Placeholder),
		ConditionKey: strings.TrimSpace(doc.ConditionKey),
		Personas:     table,
	}, nil
}

// ConditionDeclaration returns the hidden message content declaring code.
func (s *Script) ConditionDeclaration(code string) string {
	return s.ConditionKey + "=" + code
}

func joinInts(xs []int, sep string) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = strconv.Itoa(x)
	}
	return strings.Join(parts, sep)
}
