// Package policy loads permission profiles: named maps from risk level to a
// routing rule.
package policy

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"safeline/internal/domain"
)

// Rule defaults applied when a profile omits the field.
const (
	DefaultSandboxThreshold = 95
	DefaultNotification     = "post_execution"
)

var ErrProfileNotFound = errors.New("profile not found")

//go:embed profiles/*.yaml
var builtinFS embed.FS

// Profile is a named rule set keyed by risk level.
type Profile struct {
	Name        string                           `yaml:"name" json:"name"`
	Description string                           `yaml:"description" json:"description"`
	Rules       map[domain.RiskLevel]domain.Rule `yaml:"rules" json:"rules"`
	Builtin     bool                             `yaml:"-" json:"builtin"`
}

// Rule returns the rule for level.
func (p Profile) Rule(level domain.RiskLevel) (domain.Rule, bool) {
	r, ok := p.Rules[level]
	return r, ok
}

// ConditionKind enumerates the conditions a rule may carry.
type ConditionKind string

const (
	SandboxTestPassed   ConditionKind = "sandbox_test_passed"
	ScoreAboveThreshold ConditionKind = "score_above_threshold"
)

// Condition is a parsed rule condition.
type Condition struct {
	Kind      ConditionKind
	Threshold int
	Raw       string
}

// ParseCondition parses "sandbox_test_passed" or "score_above_threshold:N".
func ParseCondition(raw string) (Condition, error) {
	name, arg, hasArg := strings.Cut(strings.TrimSpace(raw), ":")
	switch ConditionKind(name) {
	case SandboxTestPassed:
		if hasArg {
			return Condition{}, fmt.Errorf("condition %q takes no argument", raw)
		}
		return Condition{Kind: SandboxTestPassed, Raw: raw}, nil
	case ScoreAboveThreshold:
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		if !hasArg || err != nil {
			return Condition{}, fmt.Errorf("condition %q needs an integer threshold", raw)
		}
		if n < 0 || n > 100 {
			return Condition{}, fmt.Errorf("condition %q threshold out of range 0-100", raw)
		}
		return Condition{Kind: ScoreAboveThreshold, Threshold: n, Raw: raw}, nil
	default:
		return Condition{}, fmt.Errorf("unknown condition %q", raw)
	}
}

// Validate checks a profile is well formed and fills rule defaults. A level
// without a rule is allowed here; routing reports it when a task lands there.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	for level, rule := range p.Rules {
		if !validLevel(level) {
			return fmt.Errorf("profile %s: unknown risk level %q", p.Name, level)
		}
		if !rule.Action.Valid() {
			return fmt.Errorf("profile %s: %s: unknown action %q", p.Name, level, rule.Action)
		}
		if rule.SandboxThreshold == 0 {
			rule.SandboxThreshold = DefaultSandboxThreshold
		}
		if rule.SandboxThreshold < 0 || rule.SandboxThreshold > 100 {
			return fmt.Errorf("profile %s: %s: sandbox_threshold out of range 0-100", p.Name, level)
		}
		if rule.Notification == "" {
			rule.Notification = DefaultNotification
		}
		for _, c := range rule.Conditions {
			if _, err := ParseCondition(c); err != nil {
				return fmt.Errorf("profile %s: %s: %w", p.Name, level, err)
			}
		}
		p.Rules[level] = rule
	}
	return nil
}

func validLevel(l domain.RiskLevel) bool {
	for _, v := range domain.RiskLevels {
		if v == l {
			return true
		}
	}
	return false
}

// Parse decodes and validates a profile document.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("invalid profile yaml: %w", err)
	}
	if p.Rules == nil {
		p.Rules = map[domain.RiskLevel]domain.Rule{}
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Store resolves profiles by name. User profiles in Dir shadow built-ins.
// Loaded profiles are cached for the life of the store.
type Store struct {
	Dir string

	mu    sync.Mutex
	cache map[string]Profile
}

func NewStore(dir string) *Store {
	return &Store{Dir: dir, cache: map[string]Profile{}}
}

// Load returns the named profile, checking <Dir>/<name>.yaml and .yml
// before the embedded built-ins.
func (s *Store) Load(name string) (Profile, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return Profile{}, fmt.Errorf("%w: invalid name %q", ErrProfileNotFound, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = map[string]Profile{}
	}
	if p, ok := s.cache[name]; ok {
		return p, nil
	}
	p, err := s.read(name)
	if err != nil {
		return Profile{}, err
	}
	s.cache[name] = p
	return p, nil
}

func (s *Store) read(name string) (Profile, error) {
	if s.Dir != "" {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(s.Dir, name+ext)
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return Profile{}, fmt.Errorf("read profile %s: %w", path, err)
			}
			p, err := Parse(data)
			if err != nil {
				return Profile{}, fmt.Errorf("profile %s: %w", path, err)
			}
			return p, nil
		}
	}
	data, err := builtinFS.ReadFile("profiles/" + name + ".yaml")
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("built-in profile %s: %w", name, err)
	}
	p.Builtin = true
	return p, nil
}

// List returns sorted names of all available profiles.
func (s *Store) List() ([]string, error) {
	seen := map[string]bool{}
	entries, err := builtinFS.ReadDir("profiles")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		seen[strings.TrimSuffix(e.Name(), ".yaml")] = true
	}
	if s.Dir != "" {
		entries, err := os.ReadDir(s.Dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("list profiles: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if ext := filepath.Ext(name); ext == ".yaml" || ext == ".yml" {
				seen[strings.TrimSuffix(name, ext)] = true
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
