package tool

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/shopspring/decimal"

	"switchyard/pkg/errors"
)

// ActionSpec declares what an action accepts
type ActionSpec struct {
	Name          string          `yaml:"name" json:"name"`
	Required      []string        `yaml:"required" json:"required,omitempty"`
	Schema        map[string]any  `yaml:"schema" json:"schema,omitempty"`
	Cacheable     bool            `yaml:"cacheable" json:"cacheable"`
	EstimatedCost decimal.Decimal `yaml:"-" json:"estimated_cost"`
}

// Definition groups the actions of one tool
type Definition struct {
	ID      string
	Actions []ActionSpec
}

type compiledAction struct {
	spec   ActionSpec
	schema *jsonschema.Schema
}

// Catalog holds declared tools and validates call parameters against them.
// Tools that were never registered are not validated.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]map[string]*compiledAction
}

func NewCatalog() *Catalog {
	return &Catalog{tools: make(map[string]map[string]*compiledAction)}
}

// Register compiles and stores a tool definition, replacing any previous one
func (c *Catalog) Register(def Definition) error {
	if def.ID == "" {
		return errors.NewValidationError("id", "tool id is required", nil)
	}

	actions := make(map[string]*compiledAction, len(def.Actions))
	for _, spec := range def.Actions {
		if spec.Name == "" {
			return errors.Wrapf(errors.ErrInvalidInput, "tool %s: action without name", def.ID)
		}
		ca := &compiledAction{spec: spec}
		if len(spec.Schema) > 0 {
			sch, err := compileSchema(def.ID+"."+spec.Name+".json", spec.Schema)
			if err != nil {
				return errors.Wrapf(err, "tool %s action %s: compile schema", def.ID, spec.Name)
			}
			ca.schema = sch
		}
		actions[spec.Name] = ca
	}

	c.mu.Lock()
	c.tools[def.ID] = actions
	c.mu.Unlock()
	return nil
}

// Lookup returns the declared action, if any
func (c *Catalog) Lookup(toolID, action string) (ActionSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	actions, ok := c.tools[toolID]
	if !ok {
		return ActionSpec{}, false
	}
	ca, ok := actions[action]
	if !ok {
		return ActionSpec{}, false
	}
	return ca.spec, true
}

// Tools lists registered tool IDs
func (c *Catalog) Tools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.tools))
	for id := range c.tools {
		out = append(out, id)
	}
	return out
}

// Validate checks params against the action's required fields and schema
func (c *Catalog) Validate(toolID, action string, params map[string]any) error {
	c.mu.RLock()
	actions, declared := c.tools[toolID]
	var ca *compiledAction
	if declared {
		ca = actions[action]
	}
	c.mu.RUnlock()

	if !declared {
		return nil
	}
	if ca == nil {
		return errors.NewValidationError("action", "unknown action for tool "+toolID, action)
	}

	for _, field := range ca.spec.Required {
		v, ok := params[field]
		if !ok || v == nil {
			return errors.NewValidationError(field, "is required", nil)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return errors.NewValidationError(field, "must not be empty", s)
		}
	}

	if ca.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}

	instance, err := toJSONValue(params)
	if err != nil {
		return errors.NewValidationError("params", "not JSON-serializable", err.Error())
	}
	if err := ca.schema.Validate(instance); err != nil {
		return errors.NewValidationError("params", err.Error(), nil)
	}
	return nil
}

func compileSchema(url string, doc map[string]any) (*jsonschema.Schema, error) {
	normalized, err := toJSONValue(doc)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, normalized); err != nil {
		return nil, errors.Wrap(err, "add schema resource")
	}
	return compiler.Compile(url)
}

// toJSONValue round-trips v so numbers and nested maps have the shapes
// the validator expects.
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
