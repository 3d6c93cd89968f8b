package config

import (
	"os"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"switchyard/internal/domain/budget"
	"switchyard/internal/domain/execution"
	"switchyard/internal/domain/tool"
	"switchyard/pkg/errors"
)

// RateLimit is a sliding-window admission quota
type RateLimit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window_size"`
}

// Throttle paces outbound calls to a tool's provider
type Throttle struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Policies is the parsed policy file
type Policies struct {
	DefaultRetry     execution.RetryPolicy
	DefaultRateLimit RateLimit
	Tools            map[string]ToolPolicy
}

// ToolPolicy holds one tool's overrides. Nil fields fall back to defaults.
type ToolPolicy struct {
	ID        string
	RateLimit *RateLimit
	Throttle  *Throttle
	Budget    *budget.Budget
	Endpoint  string
	Actions   []tool.ActionSpec

	retry *yaml.Node
}

// HasRetry reports whether the file overrides this tool's retry policy
func (p ToolPolicy) HasRetry() bool {
	return p.retry != nil
}

// RetryOver applies the tool's retry overrides on top of base. Fields the
// file does not mention keep base's values.
func (p ToolPolicy) RetryOver(base execution.RetryPolicy) (execution.RetryPolicy, error) {
	out := base.Clone()
	if p.retry == nil {
		return out, nil
	}
	if err := p.retry.Decode(&out); err != nil {
		return base, errors.Wrapf(err, "decode retry policy for %s", p.ID)
	}
	if err := out.Validate(); err != nil {
		return base, errors.Wrapf(err, "retry policy for %s", p.ID)
	}
	return out, nil
}

// Definition returns the tool's action catalog entry
func (p ToolPolicy) Definition() tool.Definition {
	return tool.Definition{ID: p.ID, Actions: p.Actions}
}

// IDs returns tool IDs in sorted order
func (p *Policies) IDs() []string {
	ids := make([]string, 0, len(p.Tools))
	for id := range p.Tools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type policyFile struct {
	Defaults struct {
		Retry     yaml.Node `yaml:"retry"`
		RateLimit RateLimit `yaml:"rate_limit"`
	} `yaml:"defaults"`
	Tools map[string]toolEntry `yaml:"tools"`
}

type toolEntry struct {
	Retry     yaml.Node     `yaml:"retry"`
	RateLimit *RateLimit    `yaml:"rate_limit"`
	Throttle  *Throttle     `yaml:"throttle"`
	Budget    *budgetEntry  `yaml:"budget"`
	Endpoint  string        `yaml:"endpoint"`
	Actions   []actionEntry `yaml:"actions"`
}

// Money is read as a string so YAML float rounding never touches it
type budgetEntry struct {
	Daily        string   `yaml:"daily"`
	Monthly      string   `yaml:"monthly"`
	AlertTargets []string `yaml:"alert_targets"`
}

type actionEntry struct {
	Name          string         `yaml:"name"`
	Required      []string       `yaml:"required"`
	Schema        map[string]any `yaml:"schema"`
	Cacheable     bool           `yaml:"cacheable"`
	EstimatedCost string         `yaml:"estimated_cost"`
}

// DefaultPolicies is used when no policy file exists
func DefaultPolicies() *Policies {
	return &Policies{
		DefaultRetry:     execution.DefaultRetryPolicy(),
		DefaultRateLimit: RateLimit{MaxRequests: 60, Window: time.Minute},
		Tools:            make(map[string]ToolPolicy),
	}
}

// LoadPolicies reads the YAML policy file. A missing file yields the
// defaults.
func LoadPolicies(path string) (*Policies, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicies(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read policy file %s", path)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses policy YAML
func ParsePolicies(data []byte) (*Policies, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse policy file")
	}

	p := DefaultPolicies()
	if !isEmpty(&f.Defaults.Retry) {
		if err := f.Defaults.Retry.Decode(&p.DefaultRetry); err != nil {
			return nil, errors.Wrap(err, "decode default retry policy")
		}
		if err := p.DefaultRetry.Validate(); err != nil {
			return nil, errors.Wrap(err, "default retry policy")
		}
	}
	if f.Defaults.RateLimit.MaxRequests > 0 {
		p.DefaultRateLimit.MaxRequests = f.Defaults.RateLimit.MaxRequests
	}
	if f.Defaults.RateLimit.Window > 0 {
		p.DefaultRateLimit.Window = f.Defaults.RateLimit.Window
	}

	for id, e := range f.Tools {
		tp, err := e.toPolicy(id)
		if err != nil {
			return nil, err
		}
		p.Tools[id] = tp
	}
	return p, nil
}

func (e toolEntry) toPolicy(id string) (ToolPolicy, error) {
	tp := ToolPolicy{
		ID:        id,
		RateLimit: e.RateLimit,
		Throttle:  e.Throttle,
		Endpoint:  e.Endpoint,
	}
	if !isEmpty(&e.Retry) {
		node := e.Retry
		tp.retry = &node
	}

	if tp.RateLimit != nil && (tp.RateLimit.MaxRequests <= 0 || tp.RateLimit.Window <= 0) {
		return tp, errors.NewValidationError(id+".rate_limit", "max_requests and window_size must be positive", tp.RateLimit)
	}
	if tp.Throttle != nil && tp.Throttle.RPS <= 0 {
		return tp, errors.NewValidationError(id+".throttle.rps", "must be positive", tp.Throttle.RPS)
	}

	if e.Budget != nil {
		daily, err := parseMoney(id+".budget.daily", e.Budget.Daily)
		if err != nil {
			return tp, err
		}
		monthly, err := parseMoney(id+".budget.monthly", e.Budget.Monthly)
		if err != nil {
			return tp, err
		}
		tp.Budget = &budget.Budget{
			ToolID:       id,
			Daily:        daily,
			Monthly:      monthly,
			AlertTargets: e.Budget.AlertTargets,
		}
	}

	for _, a := range e.Actions {
		cost, err := parseMoney(id+"."+a.Name+".estimated_cost", a.EstimatedCost)
		if err != nil {
			return tp, err
		}
		tp.Actions = append(tp.Actions, tool.ActionSpec{
			Name:          a.Name,
			Required:      a.Required,
			Schema:        a.Schema,
			Cacheable:     a.Cacheable,
			EstimatedCost: cost,
		})
	}
	return tp, nil
}

func parseMoney(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.NewValidationError(field, "not a decimal amount", s)
	}
	if d.IsNegative() {
		return decimal.Zero, errors.NewValidationError(field, "must not be negative", s)
	}
	return d, nil
}

func isEmpty(n *yaml.Node) bool {
	return n.Kind == 0
}
