package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/maga-orchestrator/pkg/types"
)

// FailurePolicy decides what a failed step does to the rest of the plan.
type FailurePolicy string

const (
	// Abort skips every later step and finishes the plan as aborted.
	Abort FailurePolicy = "abort"
	// Continue keeps going; steps that require the failed one are skipped.
	Continue FailurePolicy = "continue"
)

// RefKind says where a step input comes from.
type RefKind string

const (
	RefLiteral RefKind = "literal"
	RefParam   RefKind = "param"
	RefSource  RefKind = "source"
	RefStep    RefKind = "step"
	RefSession RefKind = "session"
)

// InputRef resolves one step input at the moment the step starts.
type InputRef struct {
	Kind  RefKind `yaml:"kind" json:"kind"`
	Value any     `yaml:"value,omitempty" json:"value,omitempty"`
	// Name is the intent parameter or the earlier step.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Field of the step output, "text" when empty.
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
	// Default is used when a parameter is absent.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`
	// FallbackSource uses the source text when a parameter is absent.
	FallbackSource bool `yaml:"fallback_source,omitempty" json:"fallback_source,omitempty"`
}

// Literal is a constant input.
func Literal(v any) InputRef { return InputRef{Kind: RefLiteral, Value: v} }

// Param reads an intent parameter; absent parameters are omitted.
func Param(name string) InputRef { return InputRef{Kind: RefParam, Name: name} }

// ParamOr reads an intent parameter with a default.
func ParamOr(name string, def any) InputRef {
	return InputRef{Kind: RefParam, Name: name, Default: def}
}

// ParamOrSource reads an intent parameter, falling back to the source text.
func ParamOrSource(name string) InputRef {
	return InputRef{Kind: RefParam, Name: name, FallbackSource: true}
}

// Source is the user's original text.
func Source() InputRef { return InputRef{Kind: RefSource} }

// Session is the session id of the plan.
func Session() InputRef { return InputRef{Kind: RefSession} }

// StepOutput reads a field from an earlier step's output.
func StepOutput(step, field string) InputRef {
	return InputRef{Kind: RefStep, Name: step, Field: field}
}

// StepText reads the text of an earlier step.
func StepText(step string) InputRef { return StepOutput(step, "") }

// StepTemplate describes one step of a plan.
type StepTemplate struct {
	Name   string              `yaml:"name" json:"name"`
	Action string              `yaml:"action" json:"action"`
	Inputs map[string]InputRef `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	// Requires lists earlier steps that must have succeeded.
	Requires []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	// Consecutive steps sharing a non-empty Group run concurrently.
	Group     string        `yaml:"group,omitempty" json:"group,omitempty"`
	Optional  bool          `yaml:"optional,omitempty" json:"optional,omitempty"`
	OnFailure FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// Template is the immutable plan shape for one intent type.
type Template struct {
	Intent        types.IntentType `yaml:"intent" json:"intent"`
	Description   string           `yaml:"description,omitempty" json:"description,omitempty"`
	FailurePolicy FailurePolicy    `yaml:"failure_policy" json:"failure_policy"`
	Steps         []StepTemplate   `yaml:"steps" json:"steps"`
	ParamSchema   map[string]any   `yaml:"param_schema,omitempty" json:"param_schema,omitempty"`
}

// policyFor returns the failure policy that applies to step s.
func (t *Template) policyFor(s StepTemplate) FailurePolicy {
	if s.Optional {
		return Continue
	}
	if s.OnFailure != "" {
		return s.OnFailure
	}
	return t.FailurePolicy
}

var (
	// ErrInvalidTemplate wraps every template validation failure.
	ErrInvalidTemplate = errors.New("invalid template")
	// ErrNoTemplate is returned for intents with no plan.
	ErrNoTemplate = errors.New("no template for intent")
)

// ActionSet reports whether an action is registered. *handler.Registry
// satisfies it.
type ActionSet interface {
	Has(action string) bool
}

// Catalog is the validated, read-only set of templates.
type Catalog struct {
	templates map[types.IntentType]*Template
	schemas   map[types.IntentType]*jsonschema.Schema
}

// NewCatalog validates every template and compiles its parameter schema.
// Any problem is a startup error.
func NewCatalog(templates []Template, actions ActionSet, maxSteps int) (*Catalog, error) {
	c := &Catalog{
		templates: make(map[types.IntentType]*Template, len(templates)),
		schemas:   make(map[types.IntentType]*jsonschema.Schema),
	}
	var errs []error
	for i := range templates {
		t := templates[i]
		if _, dup := c.templates[t.Intent]; dup {
			errs = append(errs, fmt.Errorf("%w: intent %q defined twice", ErrInvalidTemplate, t.Intent))
			continue
		}
		if err := validateTemplate(&t, actions, maxSteps); err != nil {
			errs = append(errs, err)
			continue
		}
		if len(t.ParamSchema) > 0 {
			sch, err := compileSchema(string(t.Intent), t.ParamSchema)
			if err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: param schema: %v", ErrInvalidTemplate, t.Intent, err))
				continue
			}
			c.schemas[t.Intent] = sch
		}
		c.templates[t.Intent] = &t
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// ValidateTemplates checks templates without building a catalog.
func ValidateTemplates(templates []Template, actions ActionSet, maxSteps int) error {
	_, err := NewCatalog(templates, actions, maxSteps)
	return err
}

func validateTemplate(t *Template, actions ActionSet, maxSteps int) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidTemplate, t.Intent, fmt.Sprintf(format, args...))
	}
	if t.Intent == "" {
		return fmt.Errorf("%w: empty intent", ErrInvalidTemplate)
	}
	if t.Intent == types.IntentUnknown || t.Intent == types.IntentClarify {
		return fail("intent is reserved for clarification")
	}
	switch t.FailurePolicy {
	case Abort, Continue:
	case "":
		t.FailurePolicy = Abort
	default:
		return fail("unknown failure policy %q", t.FailurePolicy)
	}
	if len(t.Steps) == 0 {
		return fail("no steps")
	}
	if len(t.Steps) > maxSteps {
		return fail("%d steps exceed the limit of %d", len(t.Steps), maxSteps)
	}

	index := make(map[string]int, len(t.Steps))
	closedGroups := make(map[string]bool)
	prevGroup := ""
	for i, s := range t.Steps {
		if s.Name == "" {
			return fail("step %d has no name", i)
		}
		if _, dup := index[s.Name]; dup {
			return fail("duplicate step name %q", s.Name)
		}
		if s.Action == "" {
			return fail("step %q has no action", s.Name)
		}
		if actions != nil && !actions.Has(s.Action) {
			return fail("step %q uses unregistered action %q", s.Name, s.Action)
		}
		switch s.OnFailure {
		case "", Abort, Continue:
		default:
			return fail("step %q: unknown failure policy %q", s.Name, s.OnFailure)
		}
		if s.Group != prevGroup {
			if prevGroup != "" {
				closedGroups[prevGroup] = true
			}
			if closedGroups[s.Group] {
				return fail("group %q is not contiguous", s.Group)
			}
		}
		prevGroup = s.Group

		earlier := func(name string) error {
			j, ok := index[name]
			if !ok {
				return fmt.Errorf("references %q which is not an earlier step", name)
			}
			if s.Group != "" && t.Steps[j].Group == s.Group {
				return fmt.Errorf("references %q in its own concurrent group", name)
			}
			return nil
		}
		for _, r := range s.Requires {
			if err := earlier(r); err != nil {
				return fail("step %q %v", s.Name, err)
			}
		}
		for key, ref := range s.Inputs {
			switch ref.Kind {
			case RefLiteral, RefSource, RefSession:
			case RefParam:
				if ref.Name == "" {
					return fail("step %q input %q: param ref without name", s.Name, key)
				}
			case RefStep:
				if err := earlier(ref.Name); err != nil {
					return fail("step %q input %q %v", s.Name, key, err)
				}
			default:
				return fail("step %q input %q: unknown ref kind %q", s.Name, key, ref.Kind)
			}
		}
		index[s.Name] = i
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	doc, err := normalize(schema)
	if err != nil {
		return nil, err
	}
	url := "mem://templates/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalize turns Go values (ints, typed maps) into the shapes a JSON decoder
// produces, which is what the schema validator expects.
func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup returns the template for an intent type.
func (c *Catalog) Lookup(t types.IntentType) (*Template, bool) {
	tpl, ok := c.templates[t]
	return tpl, ok
}

// CheckParams validates intent parameters against the template schema.
func (c *Catalog) CheckParams(t types.IntentType, params map[string]any) error {
	sch, ok := c.schemas[t]
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	doc, err := normalize(params)
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}

// Templates returns every template sorted by intent.
func (c *Catalog) Templates() []Template {
	out := make([]Template, 0, len(c.templates))
	for _, t := range c.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent < out[j].Intent })
	return out
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads template overrides from a YAML file.
func LoadTemplates(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}
	return f.Templates, nil
}

// Merge replaces base templates with overrides of the same intent and
// appends new ones.
func Merge(base, overrides []Template) []Template {
	out := make([]Template, 0, len(base)+len(overrides))
	pos := make(map[types.IntentType]int, len(base))
	for _, t := range base {
		pos[t.Intent] = len(out)
		out = append(out, t)
	}
	for _, t := range overrides {
		if i, ok := pos[t.Intent]; ok {
			out[i] = t
			continue
		}
		pos[t.Intent] = len(out)
		out = append(out, t)
	}
	return out
}
