package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventRunRequested,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "goal", "trigger", "requested_at"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "goal": {"type": "string", "minLength": 1},
    "trigger": {"type": "string", "enum": ["manual", "api", "schedule"]},
    "schedule": {"type": "string"},
    "requested_at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRunPhase,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "phase", "status", "at"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "goal": {"type": "string"},
    "phase": {"type": "string", "enum": ["planning", "investigation", "analysis", "reporting"]},
    "status": {"type": "string", "enum": ["not_run", "running", "succeeded", "degraded_no_result", "failed"]},
    "detail": {"type": "string"},
    "at": {"type": "string", "format": "date-time"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventRunFinished,
		Version:   PayloadVersion,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id", "goal", "success", "phases", "duration_seconds"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1},
    "goal": {"type": "string"},
    "success": {"type": "boolean"},
    "error": {"type": "string"},
    "report_path": {"type": "string"},
    "issues": {"type": "integer", "minimum": 0},
    "phases": {"type": "object", "additionalProperties": {"type": "string"}},
    "cost": {"type": "number"},
    "tokens": {"type": "integer"},
    "duration_seconds": {"type": "number", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the run event schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// NewBaseRegistry returns a registry holding the run event schemas.
func NewBaseRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
