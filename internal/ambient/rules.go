package ambient

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hexley-dev/kmd/internal/protocol"
)

// BuiltinRules returns the default rule set. The engine is data-driven;
// rules.yaml can replace or extend these.
func BuiltinRules() []Rule {
	return []Rule{
		{
			Name:      "error-rate",
			Agent:     "incident-response",
			EventType: protocol.EventRuleFired,
			Priority:  protocol.PriorityCritical,
			Cooldown:  60 * time.Second,
			Predicate: func(s Snapshot) (bool, string) {
				failures := s.CountSince(protocol.EventTriggerFailed, 10*time.Minute)
				if failures >= 5 {
					return true, fmt.Sprintf("%d trigger failures in 10m", failures)
				}
				return false, ""
			},
		},
		{
			Name:       "stale-docs",
			Agent:      "documentation-agent",
			EventType:  protocol.EventRuleFired,
			Priority:   protocol.PriorityLow,
			Cooldown:   6 * time.Hour,
			Debounce:   5 * time.Minute,
			DebounceOn: protocol.EventCodeCommitted,
			Silent:     true,
			Predicate: func(s Snapshot) (bool, string) {
				commits := s.CountSince(protocol.EventCodeCommitted, 24*time.Hour)
				if commits < 10 {
					return false, ""
				}
				for _, evt := range s.Events {
					if evt.Type != protocol.EventCodeCommitted {
						continue
					}
					if paths, ok := evt.Payload["changed_paths"].([]any); ok {
						for _, p := range paths {
							if path, ok := p.(string); ok && isDocPath(path) {
								return false, ""
							}
						}
					}
				}
				return true, fmt.Sprintf("%d commits without a documentation change", commits)
			},
		},
		{
			Name:      "unreviewed-schema-change",
			Agent:     "contract-guardian",
			EventType: protocol.EventRuleFired,
			Priority:  protocol.PriorityHigh,
			Cooldown:  30 * time.Minute,
			Predicate: func(s Snapshot) (bool, string) {
				last := s.LastOf(protocol.EventAPIRegistered)
				if last == nil {
					return false, ""
				}
				age := s.Now.Sub(last.TSWall)
				if age < 15*time.Minute {
					return false, ""
				}
				// A completed contract-guardian run after the
				// registration counts as a review.
				for i := len(s.Events) - 1; i >= 0; i-- {
					evt := s.Events[i]
					if evt.ID <= last.ID {
						break
					}
					if evt.Type == protocol.EventTriggerCompleted && evt.Source.Name == "contract-guardian" {
						return false, ""
					}
				}
				return true, fmt.Sprintf("schema change unreviewed for %s", age.Round(time.Minute))
			},
		},
		{
			Name:      "performance-regression",
			Agent:     "performance-optimizer",
			EventType: protocol.EventRuleFired,
			Priority:  protocol.PriorityMedium,
			Cooldown:  time.Hour,
			Predicate: func(s Snapshot) (bool, string) {
				for i := len(s.Events) - 1; i >= 0; i-- {
					evt := s.Events[i]
					if regressed, ok := evt.Payload["perf_regression"].(bool); ok && regressed {
						return true, fmt.Sprintf("regression signal in event %d", evt.ID)
					}
				}
				return false, ""
			},
		},
	}
}

func isDocPath(path string) bool {
	for _, suffix := range []string{".md", ".rst", ".adoc"} {
		if len(path) > len(suffix) && path[len(path)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// ruleFile is the YAML shape of rules.yaml.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name     string `yaml:"name"`
	Agent    string `yaml:"agent"`
	Priority string `yaml:"priority"`
	Cooldown string `yaml:"cooldown"`
	Debounce string `yaml:"debounce"`
	Schedule string `yaml:"schedule"`
	Silent   bool   `yaml:"silent"`
	When     struct {
		EventType string `yaml:"event_type"`
		MinCount  int    `yaml:"min_count"`
		Window    string `yaml:"window"`
	} `yaml:"when"`
}

// LoadRules reads user-defined threshold rules from a YAML file. The
// generic predicate fires when min_count events of event_type occurred
// within the window. A missing file yields no rules.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	out := make([]Rule, 0, len(file.Rules))
	for _, spec := range file.Rules {
		rule, err := spec.build()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

func (spec ruleSpec) build() (Rule, error) {
	if spec.Name == "" || spec.Agent == "" {
		return Rule{}, fmt.Errorf("rule needs name and agent")
	}

	priority := protocol.Priority(spec.Priority)
	if spec.Priority == "" {
		priority = protocol.PriorityMedium
	}
	if !priority.Valid() {
		return Rule{}, fmt.Errorf("rule %s: unknown priority %q", spec.Name, spec.Priority)
	}

	cooldown, err := parseOptionalDuration(spec.Cooldown)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: cooldown: %w", spec.Name, err)
	}
	debounce, err := parseOptionalDuration(spec.Debounce)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: debounce: %w", spec.Name, err)
	}
	window, err := parseOptionalDuration(spec.When.Window)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: window: %w", spec.Name, err)
	}
	if window <= 0 {
		window = 15 * time.Minute
	}

	eventType := protocol.EventType(spec.When.EventType)
	minCount := spec.When.MinCount
	if minCount <= 0 {
		minCount = 1
	}
	if eventType == "" {
		return Rule{}, fmt.Errorf("rule %s: when.event_type is required", spec.Name)
	}

	return Rule{
		Name:       spec.Name,
		Agent:      spec.Agent,
		EventType:  protocol.EventRuleFired,
		Priority:   priority,
		Cooldown:   cooldown,
		Debounce:   debounce,
		DebounceOn: eventType,
		Schedule:   spec.Schedule,
		Silent:     spec.Silent,
		Predicate: func(s Snapshot) (bool, string) {
			n := s.CountSince(eventType, window)
			if n >= minCount {
				return true, fmt.Sprintf("%d %s events in %s", n, eventType, window)
			}
			return false, ""
		},
	}, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
