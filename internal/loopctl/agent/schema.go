package agent

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Output schemas for the two agent roles (spec ยง4.6, ยง6). Compiled once,
// grounded on internal/agent/tool_registry.go's jsonschema compile pattern.
const decomposerSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "decomposer_output.json",
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "children"],
  "properties": {
    "summary": {"type": "string"},
    "children": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["title", "goal", "next"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "goal": {"type": "string", "minLength": 1},
          "acceptance": {"type": "array", "items": {"type": "string"}},
          "next": {"enum": ["execute", "decompose"]}
        }
      }
    }
  }
}`

const executorSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "executor_output.json",
  "type": "object",
  "additionalProperties": false,
  "required": ["status", "summary"],
  "properties": {
    "status": {"enum": ["done", "retry", "decomposed"]},
    "summary": {"type": "string"}
  }
}`

var (
	decomposerSchema *jsonschema.Schema
	executorSchema   *jsonschema.Schema
)

func init() {
	decomposerSchema = mustCompile("decomposer_output.json", decomposerSchemaJSON)
	executorSchema = mustCompile("executor_output.json", executorSchemaJSON)
}

func mustCompile(id, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(id, strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("agent: compile %s: %v", id, err))
	}
	s, err := c.Compile(id)
	if err != nil {
		panic(fmt.Sprintf("agent: compile %s: %v", id, err))
	}
	return s
}

// DecomposerSchemaJSON returns the raw schema text, for writing to
// state/decomposer_output.schema.json (spec ยง6).
func DecomposerSchemaJSON() string { return decomposerSchemaJSON }

// ExecutorSchemaJSON returns the raw schema text, for writing to
// state/executor_output.schema.json (spec ยง6).
func ExecutorSchemaJSON() string { return executorSchemaJSON }
