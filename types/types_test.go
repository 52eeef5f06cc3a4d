package types

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diamondJSON = `{
  "id": "diamond",
  "steps": {
    "A": {"type": "input", "input": {"data": {"name": "ada"}}},
    "B": {"type": "process", "depends_on": ["A"], "max_retries": 1},
    "C": {"type": "process", "depends_on": ["A"]},
    "D": {"type": "output", "depends_on": ["B", "C"], "input": {"destination": "out"}, "timeout_ms": 500}
  }
}`

const diamondYAML = `
id: diamond
steps:
  A:
    type: input
    input:
      data:
        name: ada
  B:
    type: process
    depends_on: [A]
    max_retries: 1
  C:
    type: process
    depends_on: [A]
  D:
    type: output
    depends_on: [B, C]
    timeout_ms: 500
    input:
      destination: out
`

func TestParseDefinition(t *testing.T) {
	for _, tc := range []struct {
		name   string
		data   string
		format Format
	}{
		{"json", diamondJSON, FormatJSON},
		{"yaml", diamondYAML, FormatYAML},
	} {
		t.Run(tc.name, func(t *testing.T) {
			def, err := ParseDefinition([]byte(tc.data), tc.format)
			require.NoError(t, err)

			assert.Equal(t, "diamond", def.ID)
			assert.Len(t, def.Steps, 4)
			assert.Equal(t, "D", def.Steps["D"].ID)
			assert.Equal(t, StepTypeOutput, def.Steps["D"].Type)
			assert.Equal(t, []string{"B", "C"}, def.Steps["D"].DependsOn)
			assert.Equal(t, 500, def.Steps["D"].TimeoutMs)
			require.NotNil(t, def.Steps["B"].MaxRetries)
			assert.Equal(t, 1, *def.Steps["B"].MaxRetries)
			assert.Nil(t, def.Steps["C"].MaxRetries)
			assert.NotNil(t, def.Steps["C"].Input)

			data, ok := def.Steps["A"].Input["data"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, "ada", data["name"])
		})
	}
}

func TestParseDefinition_Invalid(t *testing.T) {
	cases := map[string]string{
		"no steps":    `{"id": "x", "steps": {}}`,
		"no type":     `{"id": "x", "steps": {"a": {}}}`,
		"id mismatch": `{"id": "x", "steps": {"a": {"id": "b", "type": "input"}}}`,
		"bad policy":  `{"id": "x", "failure_policy": "maybe", "steps": {"a": {"type": "input"}}}`,
		"neg retries": `{"id": "x", "steps": {"a": {"type": "input", "max_retries": -1}}}`,
		"neg timeout": `{"id": "x", "steps": {"a": {"type": "input", "timeout_ms": -5}}}`,
		"broken json": `{"id": `,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(data), FormatJSON)
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}

	_, err := ParseDefinition([]byte(diamondJSON), Format("toml"))
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestDecodeDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wf.yml")
	require.NoError(t, os.WriteFile(path, []byte(diamondYAML), 0o600))

	def, err := DecodeDefinitionFile(path)
	require.NoError(t, err)
	assert.Len(t, def.Steps, 4)

	_, err = DecodeDefinitionFile(filepath.Join(dir, "wf.txt"))
	assert.Error(t, err)
}

func TestStepStatus(t *testing.T) {
	assert.False(t, StepPending.Terminal())
	assert.False(t, StepRunning.Terminal())
	assert.True(t, StepSkipped.Terminal())
	assert.True(t, StepDeadLettered.Failure())
	assert.True(t, StepFailed.Failure())
	assert.False(t, StepSkipped.Failure())
}

func TestWorkflowRun_Clone(t *testing.T) {
	run := WorkflowRun{
		ID:      1,
		Status:  RunRunning,
		Steps:   map[string]StepResult{"a": {StepID: "a", Status: StepSucceeded}},
		Context: map[string]interface{}{"a": 1},
		Plan:    [][]string{{"a"}},
	}
	cp := run.Clone()
	cp.Steps["b"] = StepResult{StepID: "b"}
	cp.Context["b"] = 2
	cp.Plan[0][0] = "z"

	assert.Len(t, run.Steps, 1)
	assert.Len(t, run.Context, 1)
	assert.Equal(t, "a", run.Plan[0][0])
	assert.False(t, run.Finished())
}

func TestWorkflowRun_CloneIsDeep(t *testing.T) {
	retries := 2
	run := WorkflowRun{
		Definition: WorkflowDefinition{Steps: map[string]StepDefinition{
			"a": {Type: StepTypeInput, Input: map[string]interface{}{"rules": []interface{}{map[string]interface{}{"op": "upper"}}}},
			"b": {Type: StepTypeOutput, DependsOn: []string{"a"}, MaxRetries: &retries},
		}},
		Steps:   map[string]StepResult{"a": {StepID: "a", Status: StepSucceeded, Output: map[string]interface{}{"n": 1}}},
		Context: map[string]interface{}{"a": map[string]interface{}{"n": 1, "list": []string{"x"}}},
	}
	cp := run.Clone()

	cp.Context["a"].(map[string]interface{})["n"] = 99
	cp.Context["a"].(map[string]interface{})["list"].([]string)[0] = "y"
	cp.Steps["a"].Output.(map[string]interface{})["n"] = 99
	cp.Definition.Steps["a"].Input["rules"].([]interface{})[0].(map[string]interface{})["op"] = "lower"
	cp.Definition.Steps["b"].DependsOn[0] = "z"
	*cp.Definition.Steps["b"].MaxRetries = 7
	cp.Definition.Steps["c"] = StepDefinition{}

	assert.Equal(t, 1, run.Context["a"].(map[string]interface{})["n"])
	assert.Equal(t, []string{"x"}, run.Context["a"].(map[string]interface{})["list"])
	assert.Equal(t, 1, run.Steps["a"].Output.(map[string]interface{})["n"])
	assert.Equal(t, "upper", run.Definition.Steps["a"].Input["rules"].([]interface{})[0].(map[string]interface{})["op"])
	assert.Equal(t, []string{"a"}, run.Definition.Steps["b"].DependsOn)
	assert.Equal(t, 2, retries)
	assert.Len(t, run.Definition.Steps, 2)
}

func TestCopyValue(t *testing.T) {
	assert.Nil(t, CopyValue(nil))
	assert.Equal(t, "s", CopyValue("s"))
	assert.Equal(t, 3.5, CopyValue(3.5))

	in := []map[string]interface{}{{"k": []interface{}{1}}}
	out := CopyValue(in).([]map[string]interface{})
	out[0]["k"].([]interface{})[0] = 2
	assert.Equal(t, 1, in[0]["k"].([]interface{})[0])
}

func TestExecutionPlan(t *testing.T) {
	p := ExecutionPlan{Batches: [][]string{{"A"}, {"B", "C"}, {"D"}}}
	assert.Equal(t, []string{"A", "B", "C", "D"}, p.Flatten())
	assert.Equal(t, 1, p.BatchOf("C"))
	assert.Equal(t, -1, p.BatchOf("Z"))
}
