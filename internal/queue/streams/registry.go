package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnknownEvent is returned for an event type or version with no schema.
var ErrUnknownEvent = errors.New("unknown run event")

type schemaKey struct {
	eventType string
	version   string
}

func (k schemaKey) String() string { return k.eventType + "/" + k.version }

// SchemaRegistry holds the compiled payload schema of each run event version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: map[schemaKey]*jsonschema.Schema{}}
}

// schemaURL names a definition inside the compiler. Each definition is
// compiled on its own, so the URL only has to be unique per key.
func schemaURL(k schemaKey) string {
	return "https://dqagent.local/events/" + k.eventType + "/" + k.version + ".json"
}

// Register compiles def and makes it the schema for its event version,
// replacing any earlier one.
func (r *SchemaRegistry) Register(def Definition) error {
	if def.EventType == "" || def.Version == "" {
		return fmt.Errorf("run event definition needs a type and version, got %q/%q", def.EventType, def.Version)
	}
	k := schemaKey{def.EventType, def.Version}
	if len(def.Schema) == 0 {
		return fmt.Errorf("run event %s: empty schema", k)
	}

	url := schemaURL(k)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(def.Schema)); err != nil {
		return fmt.Errorf("run event %s: %w", k, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("run event %s: compile schema: %w", k, err)
	}

	r.mu.Lock()
	r.schemas[k] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks a payload against the schema of its event version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	k := schemaKey{eventType, version}
	r.mu.RLock()
	schema, ok := r.schemas[k]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownEvent, k)
	}
	if len(payload) == 0 {
		return fmt.Errorf("run event %s: empty payload", k)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("run event %s: %w", k, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("run event %s: %w", k, err)
	}
	return nil
}

// Events lists the registered event versions as type/version.
func (r *SchemaRegistry) Events() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.schemas))
	for k := range r.schemas {
		out = append(out, k.String())
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
