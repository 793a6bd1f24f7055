package workflow

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/compozy/taskengine/pkg/tplengine"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Rule maps a lifecycle transition to a message and an optional group move.
type Rule struct {
	// Action is a transition name or a "FromGroup,ToGroup" pair.
	Action      string `yaml:"action"                json:"action"`
	Message     string `yaml:"message"               json:"message"`
	Template    string `yaml:"template,omitempty"    json:"template,omitempty"`
	ChangeGroup string `yaml:"changeGroup,omitempty" json:"changeGroup,omitempty"`
}

// Matches compares the trigger with a transition case-insensitively. Group
// pairs compare their trimmed parts.
func (r Rule) Matches(action string) bool {
	from, to, pair := splitPair(r.Action)
	afrom, ato, apair := splitPair(action)
	if pair || apair {
		return pair && apair && equalFold(from, afrom) && equalFold(to, ato)
	}
	return equalFold(r.Action, action)
}

// GroupMove parses the change group directive.
func (r Rule) GroupMove() (from, to string, err error) {
	from, to, ok := splitPair(r.ChangeGroup)
	if !ok || from == "" || to == "" {
		return "", "", fmt.Errorf("invalid group directive %q: want \"FromGroup,ToGroup\"", r.ChangeGroup)
	}
	return from, to, nil
}

func splitPair(s string) (string, string, bool) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(a), strings.TrimSpace(b), true
}

// File is the on-disk layout of the workflow table.
type File struct {
	Roles map[string][]Rule `yaml:"roles"`
}

// Rules is the per-role workflow table.
type Rules struct {
	mu     sync.RWMutex
	byRole map[string][]Rule
}

func NewRules(byRole map[string][]Rule) *Rules {
	r := &Rules{}
	r.Set(byRole)
	return r
}

// LoadRules reads a workflow file; a missing file yields an empty table.
func LoadRules(fsys afero.Fs, path string) (*Rules, error) {
	exists, err := afero.Exists(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat workflow file: %w", err)
	}
	if !exists {
		return NewRules(nil), nil
	}
	f, err := ParseFile(fsys, path)
	if err != nil {
		return nil, err
	}
	return NewRules(f.Roles), nil
}

func ParseFile(fsys afero.Fs, path string) (*File, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file %s: %w", path, err)
	}
	return &f, nil
}

func (r *Rules) Set(byRole map[string][]Rule) {
	normalized := make(map[string][]Rule, len(byRole))
	for role, rules := range byRole {
		normalized[strings.ToLower(role)] = rules
	}
	r.mu.Lock()
	r.byRole = normalized
	r.mu.Unlock()
}

func (r *Rules) ForRole(role string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byRole[strings.ToLower(role)]
}

// Issue is a problem found in a workflow file.
type Issue struct {
	Role    string
	Index   int
	Problem string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s[%d]: %s", i.Role, i.Index, i.Problem)
}

// Validate reports rules that would be skipped or only partly applied.
func (f *File) Validate() []Issue {
	var issues []Issue
	tpl := tplengine.NewEngine()
	for role, rules := range f.Roles {
		for i, rule := range rules {
			if strings.TrimSpace(rule.Action) == "" {
				issues = append(issues, Issue{role, i, "empty action"})
			}
			if from, to, pair := splitPair(rule.Action); pair && (from == "" || to == "") {
				issues = append(issues, Issue{role, i, "group transition needs both groups"})
			}
			if rule.ChangeGroup != "" {
				if _, _, err := rule.GroupMove(); err != nil {
					issues = append(issues, Issue{role, i, err.Error()})
				}
			}
			if tplengine.HasTemplate(rule.Message) {
				if err := tpl.AddTemplate(fmt.Sprintf("%s-%d", role, i), rule.Message); err != nil {
					issues = append(issues, Issue{role, i, err.Error()})
				}
			}
		}
	}
	sort.Slice(issues, func(a, b int) bool {
		if issues[a].Role != issues[b].Role {
			return issues[a].Role < issues[b].Role
		}
		return issues[a].Index < issues[b].Index
	})
	return issues
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
