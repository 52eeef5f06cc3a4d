package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition errors.
var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrUnknownFormat     = errors.New("unknown definition format")
)

// Format is the encoding of a submitted definition.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseDefinition decodes a definition and normalizes it.
func ParseDefinition(data []byte, format Format) (WorkflowDefinition, error) {
	var def WorkflowDefinition
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &def); err != nil {
			return WorkflowDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &def); err != nil {
			return WorkflowDefinition{}, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
		}
	default:
		return WorkflowDefinition{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return def.Normalize()
}

// DecodeDefinitionFile reads a definition from disk, choosing the format by extension.
func DecodeDefinitionFile(path string) (WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, fmt.Errorf("read definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseDefinition(data, FormatYAML)
	case ".json":
		return ParseDefinition(data, FormatJSON)
	default:
		return WorkflowDefinition{}, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Normalize fills step ids from their keys and checks the shape of the definition.
// Dependency resolution and cycle checks are left to the planner.
func (d WorkflowDefinition) Normalize() (WorkflowDefinition, error) {
	if len(d.Steps) == 0 {
		return WorkflowDefinition{}, fmt.Errorf("%w: workflow %q has no steps", ErrInvalidDefinition, d.ID)
	}
	if !d.FailurePolicy.Valid() {
		return WorkflowDefinition{}, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidDefinition, d.FailurePolicy)
	}

	steps := make(map[string]StepDefinition, len(d.Steps))
	for key, step := range d.Steps {
		if key == "" {
			return WorkflowDefinition{}, fmt.Errorf("%w: empty step id", ErrInvalidDefinition)
		}
		if step.ID != "" && step.ID != key {
			return WorkflowDefinition{}, fmt.Errorf("%w: step %q declares id %q", ErrInvalidDefinition, key, step.ID)
		}
		if step.Type == "" {
			return WorkflowDefinition{}, fmt.Errorf("%w: step %q has no type", ErrInvalidDefinition, key)
		}
		if step.MaxRetries != nil && *step.MaxRetries < 0 {
			return WorkflowDefinition{}, fmt.Errorf("%w: step %q has negative max_retries", ErrInvalidDefinition, key)
		}
		if step.TimeoutMs < 0 {
			return WorkflowDefinition{}, fmt.Errorf("%w: step %q has negative timeout_ms", ErrInvalidDefinition, key)
		}
		step.ID = key
		if step.Input == nil {
			step.Input = map[string]interface{}{}
		}
		steps[key] = step
	}

	d.Steps = steps
	return d, nil
}

// IntPtr is a helper for setting StepDefinition.MaxRetries.
func IntPtr(v int) *int {
	return &v
}
