package tree

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// nodeSchemaJSON is the schema compiled as node.json: required fields,
// types, and bounds for one Node, recursive over children (spec ยง4.1).
const nodeSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://loopctl.dev/schema/node.json",
  "title": "Node",
  "type": "object",
  "additionalProperties": false,
  "required": ["id", "order", "title", "goal", "next", "passes", "attempts", "max_attempts"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$"},
    "order": {"type": "integer"},
    "title": {"type": "string"},
    "goal": {"type": "string"},
    "acceptance": {"type": "array", "items": {"type": "string"}},
    "next": {"type": "string", "enum": ["execute", "decompose"]},
    "passes": {"type": "boolean"},
    "attempts": {"type": "integer", "minimum": 0},
    "max_attempts": {"type": "integer", "minimum": 1},
    "children": {"type": "array", "items": {"$ref": "#"}}
  }
}`

// treeSchemaJSON wraps a single root Node.
const treeSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://loopctl.dev/schema/tree.json",
  "title": "Tree",
  "type": "object",
  "additionalProperties": false,
  "required": ["root"],
  "properties": {
    "root": {"$ref": "node.json"}
  }
}`

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("node.json", strings.NewReader(nodeSchemaJSON)); err != nil {
		panic(fmt.Sprintf("tree: compile node schema: %v", err))
	}
	if err := c.AddResource("tree.json", strings.NewReader(treeSchemaJSON)); err != nil {
		panic(fmt.Sprintf("tree: compile tree schema: %v", err))
	}
	s, err := c.Compile("tree.json")
	if err != nil {
		panic(fmt.Sprintf("tree: compile tree schema: %v", err))
	}
	compiledSchema = s
}

// SchemaJSON returns the tree-level schema text, which refers to the node
// schema as node.json. Nothing in this repository writes it to disk.
func SchemaJSON() string {
	return treeSchemaJSON
}

// ValidateSchema runs the structural JSON-schema check against the decoded
// document (required fields, types, bounds, no extra properties).
func ValidateSchema(doc any) error {
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}
