package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	goStepAuth "github.com/MrEthical07/goStepAuth"
	"gopkg.in/yaml.v3"
)

// ErrUnknownClass is returned for an account class with no rule and no
// default.
var ErrUnknownClass = errors.New("no step policy for account class")

// Rule is one step list. FirstTimeSteps, when set, replaces Steps for
// users that have no second factor configured yet.
type Rule struct {
	Steps              []string `yaml:"steps"`
	FirstTimeSteps     []string `yaml:"first_time_steps"`
	MaxAttemptsPerStep uint32   `yaml:"max_attempts_per_step"`
}

// File is the on-disk layout:
//
//	default:
//	  steps: [EMAIL, OTP]
//	  max_attempts_per_step: 5
//	classes:
//	  organization:
//	    steps: [EMAIL, OTP, SMS]
type File struct {
	Default *Rule           `yaml:"default"`
	Classes map[string]Rule `yaml:"classes"`
}

type compiledRule struct {
	steps     []goStepAuth.StepKind
	firstTime []goStepAuth.StepKind
	max       uint32
}

// StaticProvider serves rules from memory. Replace swaps the whole rule
// set atomically.
type StaticProvider struct {
	mu      sync.RWMutex
	def     *compiledRule
	classes map[string]compiledRule
}

var _ goStepAuth.StepPolicyProvider = (*StaticProvider)(nil)

// NewStatic compiles f.
func NewStatic(f File) (*StaticProvider, error) {
	p := &StaticProvider{}
	if err := p.Replace(f); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse decodes YAML rules.
func Parse(data []byte) (*StaticProvider, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode step policy: %w", err)
	}
	return NewStatic(f)
}

// LoadFile reads and parses a YAML rule file.
func LoadFile(path string) (*StaticProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read step policy: %w", err)
	}
	return Parse(data)
}

// Replace validates and installs a new rule set.
func (p *StaticProvider) Replace(f File) error {
	if f.Default == nil && len(f.Classes) == 0 {
		return errors.New("step policy has no rules")
	}

	var def *compiledRule
	if f.Default != nil {
		r, err := compile("default", *f.Default)
		if err != nil {
			return err
		}
		def = &r
	}
	classes := make(map[string]compiledRule, len(f.Classes))
	for class, rule := range f.Classes {
		r, err := compile(class, rule)
		if err != nil {
			return err
		}
		classes[class] = r
	}

	p.mu.Lock()
	p.def = def
	p.classes = classes
	p.mu.Unlock()
	return nil
}

// RequiredSteps implements goStepAuth.StepPolicyProvider.
func (p *StaticProvider) RequiredSteps(_ context.Context, ident goStepAuth.Identity, firstTime bool) (goStepAuth.StepPolicy, error) {
	p.mu.RLock()
	rule, ok := p.classes[ident.AccountClass]
	if !ok && p.def != nil {
		rule, ok = *p.def, true
	}
	p.mu.RUnlock()
	if !ok {
		return goStepAuth.StepPolicy{}, fmt.Errorf("%w: %q", ErrUnknownClass, ident.AccountClass)
	}

	steps := rule.steps
	if firstTime && len(rule.firstTime) > 0 {
		steps = rule.firstTime
	}
	return goStepAuth.StepPolicy{
		Steps:              append([]goStepAuth.StepKind(nil), steps...),
		MaxAttemptsPerStep: rule.max,
	}, nil
}

func compile(name string, r Rule) (compiledRule, error) {
	steps, err := parseSteps(name, r.Steps)
	if err != nil {
		return compiledRule{}, err
	}
	if len(steps) == 0 {
		return compiledRule{}, fmt.Errorf("step policy %q: steps must not be empty", name)
	}
	firstTime, err := parseSteps(name, r.FirstTimeSteps)
	if err != nil {
		return compiledRule{}, err
	}
	return compiledRule{steps: steps, firstTime: firstTime, max: r.MaxAttemptsPerStep}, nil
}

func parseSteps(name string, raw []string) ([]goStepAuth.StepKind, error) {
	out := make([]goStepAuth.StepKind, 0, len(raw))
	for _, s := range raw {
		k, ok := goStepAuth.ParseStepKind(strings.ToUpper(strings.TrimSpace(s)))
		if !ok {
			return nil, fmt.Errorf("step policy %q: unknown step %q", name, s)
		}
		switch k {
		case goStepAuth.StepEmail, goStepAuth.StepOTP, goStepAuth.StepSMS:
		default:
			return nil, fmt.Errorf("step policy %q: step %s cannot be requested", name, k)
		}
		out = append(out, k)
	}
	return out, nil
}
