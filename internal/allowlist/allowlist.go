package allowlist

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-selfimprove/internal/models"
)

// Bounds restricts the values one parameter may take. Numeric bounds apply to number
// params directly and to duration params in milliseconds. MaxStep of zero disables the
// step check.
type Bounds struct {
	Type    models.ParamType `json:"type"`
	Min     float64          `json:"min,omitempty"`
	Max     float64          `json:"max,omitempty"`
	Allowed []string         `json:"allowed,omitempty"`
	MaxStep float64          `json:"max_step,omitempty"`
}

// Registry maps action kind to the params it may change. It is immutable after Load.
type Registry struct {
	kinds map[models.ActionKind]map[models.ConfigScope]Bounds
}

// ValidatedAction is the witness that an action passed Validate. Only Validate
// constructs a usable value; the zero value reports Valid() == false.
type ValidatedAction struct {
	action models.SuggestedAction
	bounds Bounds
	ok     bool
}

// Action returns a copy of the validated action.
func (v ValidatedAction) Action() models.SuggestedAction { return v.action }

// Scope returns the targeted configuration parameter.
func (v ValidatedAction) Scope() models.ConfigScope { return v.action.Scope }

// NewValue returns the value to apply.
func (v ValidatedAction) NewValue() models.ParamValue { return v.action.NewValue }

// OldValue returns the value the action replaces.
func (v ValidatedAction) OldValue() models.ParamValue { return v.action.OldValue }

// Bounds returns the bounds the action was validated against.
func (v ValidatedAction) Bounds() Bounds { return v.bounds }

// Valid reports whether v was produced by Validate.
func (v ValidatedAction) Valid() bool { return v.ok }

// FileConfig is the YAML root structure of an allowlist file.
type FileConfig struct {
	Actions []ActionEntry `yaml:"actions"`
}

// ActionEntry lists the params one action kind may change.
type ActionEntry struct {
	Kind   string       `yaml:"kind"`
	Params []ParamEntry `yaml:"params"`
}

// ParamEntry bounds one param.
type ParamEntry struct {
	Component string   `yaml:"component"`
	Param     string   `yaml:"param"`
	Type      string   `yaml:"type"`
	Min       float64  `yaml:"min"`
	Max       float64  `yaml:"max"`
	Allowed   []string `yaml:"allowed"`
	MaxStep   float64  `yaml:"maxStep"`
}

// Load reads the registry from path. An empty path or a missing file yields Default.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("allowlist file not found, using built-in registry", slog.String("path", path))
			return Default(), nil
		}
		return nil, fmt.Errorf("read allowlist: %w", err)
	}
	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse allowlist: %w", err)
	}
	r, err := New(file)
	if err != nil {
		return nil, err
	}
	logger.Info("allowlist loaded", slog.String("path", path), slog.Int("kinds", len(r.kinds)))
	return r, nil
}

// New builds a registry from an in-memory file description.
func New(file FileConfig) (*Registry, error) {
	r := &Registry{kinds: make(map[models.ActionKind]map[models.ConfigScope]Bounds)}
	for _, entry := range file.Actions {
		kind := models.ActionKind(entry.Kind)
		switch kind {
		case models.KindAdjustParam, models.KindScaleResource, models.KindToggleFeature:
		default:
			return nil, fmt.Errorf("allowlist: action kind %q cannot be registered", entry.Kind)
		}
		params, ok := r.kinds[kind]
		if !ok {
			params = make(map[models.ConfigScope]Bounds)
			r.kinds[kind] = params
		}
		for _, p := range entry.Params {
			scope := models.ConfigScope{Component: models.ServiceComponent(p.Component), Param: p.Param}
			b := Bounds{Type: models.ParamType(p.Type), Min: p.Min, Max: p.Max, Allowed: p.Allowed, MaxStep: p.MaxStep}
			if err := checkBounds(kind, scope, b); err != nil {
				return nil, err
			}
			params[scope] = b
		}
	}
	return r, nil
}

func checkBounds(kind models.ActionKind, scope models.ConfigScope, b Bounds) error {
	switch b.Type {
	case models.ParamNumber, models.ParamDuration:
		if b.Min > b.Max {
			return fmt.Errorf("allowlist: %s %s has min %v > max %v", kind, scope, b.Min, b.Max)
		}
		if b.MaxStep < 0 {
			return fmt.Errorf("allowlist: %s %s has negative maxStep", kind, scope)
		}
	case models.ParamBool, models.ParamString:
	default:
		return fmt.Errorf("allowlist: %s %s has unknown type %q", kind, scope, b.Type)
	}
	if kind == models.KindToggleFeature && b.Type != models.ParamBool {
		return fmt.Errorf("allowlist: toggle_feature %s must be bool", scope)
	}
	return nil
}

// Default returns the built-in registry covering the supervised server's tunables.
func Default() *Registry {
	r, err := New(DefaultFile())
	if err != nil {
		panic(fmt.Sprintf("built-in allowlist invalid: %v", err))
	}
	return r
}

// DefaultFile describes the built-in registry.
func DefaultFile() FileConfig {
	pipe := string(models.ComponentPipeClient)
	return FileConfig{Actions: []ActionEntry{
		{Kind: string(models.KindAdjustParam), Params: []ParamEntry{
			{Component: pipe, Param: string(models.ResourceRequestTimeoutMs), Type: "number", Min: 1000, Max: 120000, MaxStep: 30000},
			{Component: pipe, Param: string(models.ResourceMaxRetries), Type: "number", Min: 0, Max: 10, MaxStep: 3},
			{Component: pipe, Param: "retry_delay", Type: "duration", Min: 100, Max: 10000, MaxStep: 5000},
			{Component: string(models.ComponentReasoning), Param: "default_mode", Type: "string", Allowed: []string{"linear", "tree", "divergent"}},
		}},
		{Kind: string(models.KindScaleResource), Params: []ParamEntry{
			{Component: string(models.ComponentServer), Param: string(models.ResourceMaxConcurrentRequests), Type: "number", Min: 1, Max: 256, MaxStep: 32},
			{Component: string(models.ComponentStorage), Param: string(models.ResourceConnectionPoolSize), Type: "number", Min: 1, Max: 100, MaxStep: 20},
			{Component: string(models.ComponentCache), Param: string(models.ResourceCacheSize), Type: "number", Min: 100, Max: 100000, MaxStep: 10000},
		}},
		{Kind: string(models.KindToggleFeature), Params: []ParamEntry{
			{Component: string(models.ComponentReasoning), Param: "reflection_enabled", Type: "bool"},
		}},
	}}
}

// Kinds lists the registered action kinds in stable order.
func (r *Registry) Kinds() []models.ActionKind {
	out := make([]models.ActionKind, 0, len(r.kinds))
	for kind := range r.kinds {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Entry describes one registered param for prompts and status output.
type Entry struct {
	Kind   models.ActionKind  `json:"kind"`
	Scope  models.ConfigScope `json:"scope"`
	Bounds Bounds             `json:"bounds"`
}

// Entries lists every registered param sorted by kind then scope.
func (r *Registry) Entries() []Entry {
	var out []Entry
	for kind, params := range r.kinds {
		for scope, b := range params {
			out = append(out, Entry{Kind: kind, Scope: scope, Bounds: b})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Scope.String() < out[j].Scope.String()
	})
	return out
}

// Bounds returns the bounds registered for scope under kind.
func (r *Registry) Bounds(kind models.ActionKind, scope models.ConfigScope) (Bounds, bool) {
	b, ok := r.kinds[kind][scope]
	return b, ok
}

// Validate checks action against the registry using current as the live value of the
// targeted param. It never mutates state and never performs I/O.
func (r *Registry) Validate(action models.SuggestedAction, current models.ParamValue) (ValidatedAction, error) {
	params, ok := r.kinds[action.Kind]
	if !ok {
		return ValidatedAction{}, &Error{Code: CodeUnknownActionKind, Kind: action.Kind}
	}
	param := action.Scope.String()
	b, ok := params[action.Scope]
	if !ok {
		return ValidatedAction{}, &Error{Code: CodeUnknownParam, Kind: action.Kind, Param: param}
	}
	if action.NewValue.Type != b.Type {
		return ValidatedAction{}, &Error{Code: CodeTypeMismatch, Kind: action.Kind, Param: param, Want: string(b.Type), Got: string(action.NewValue.Type)}
	}
	if current.Type != b.Type {
		return ValidatedAction{}, &Error{Code: CodeTypeMismatch, Kind: action.Kind, Param: param, Want: string(b.Type), Got: string(current.Type)}
	}
	if action.NewValue.Equal(current) {
		return ValidatedAction{}, &Error{Code: CodeNoChange, Kind: action.Kind, Param: param, Got: current.Format()}
	}

	switch b.Type {
	case models.ParamNumber, models.ParamDuration:
		got, _ := action.NewValue.Numeric()
		if math.IsNaN(got) || got < b.Min || got > b.Max {
			return ValidatedAction{}, &Error{Code: CodeParamOutOfBounds, Kind: action.Kind, Param: param, Min: b.Min, Max: b.Max, Got: action.NewValue.Format()}
		}
		if b.MaxStep > 0 {
			cur, _ := current.Numeric()
			if math.Abs(got-cur) > b.MaxStep {
				return ValidatedAction{}, &Error{Code: CodeStepTooLarge, Kind: action.Kind, Param: param, Step: b.MaxStep, Got: action.NewValue.Format()}
			}
		}
	case models.ParamString:
		if len(b.Allowed) > 0 && !contains(b.Allowed, action.NewValue.String) {
			return ValidatedAction{}, &Error{Code: CodeParamOutOfBounds, Kind: action.Kind, Param: param, Got: action.NewValue.String}
		}
	}

	validated := action
	validated.OldValue = current
	return ValidatedAction{action: validated, bounds: b, ok: true}, nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
