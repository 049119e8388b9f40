// Package policy auto-resolves permission prompts against an operator
// supplied rule set. Bash command lines are parsed into the individual
// commands they run and matched against command patterns; every other
// tool matches its request title against a glob. Requests the rules
// decide as ask are left for a human.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bashTool is the tool whose titles are full command lines.
const bashTool = "bash"

// Action is a rule's verdict for a matching request.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Rule maps one tool and pattern to an action. For the bash tool the
// pattern is a space-separated command pattern such as "git" or
// "git commit *"; for every other tool it is a glob matched against the
// request title. An empty pattern matches every request for the tool,
// and tool "*" applies the rule to all tools.
type Rule struct {
	Tool    string `yaml:"tool"`
	Pattern string `yaml:"pattern,omitempty"`
	Action  Action `yaml:"action"`
}

// Rules is an ordered rule set. The first matching rule decides; requests
// no rule matches fall back to Default.
type Rules struct {
	Default Action `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// Load reads and parses a rule file.
func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rule set. A missing default becomes ask.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse policy rules: %w", err)
	}
	if r.Default == "" {
		r.Default = ActionAsk
	}
	if !validAction(r.Default) {
		return nil, fmt.Errorf("invalid default action %q", r.Default)
	}
	for i, rule := range r.Rules {
		if rule.Tool == "" {
			return nil, fmt.Errorf("rule %d: tool is required", i)
		}
		if !validAction(rule.Action) {
			return nil, fmt.Errorf("rule %d (%s): invalid action %q", i, rule.Tool, rule.Action)
		}
	}
	return &r, nil
}

func validAction(a Action) bool {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return true
	}
	return false
}

// Current returns the rule set itself, which lets a fixed *Rules serve as
// a RuleSource.
func (r *Rules) Current() *Rules { return r }

// Decide returns the action for one permission request.
func (r *Rules) Decide(tool, title string) Action {
	if tool == bashTool {
		return r.decideBash(title)
	}
	for _, rule := range r.Rules {
		if !rule.appliesTo(tool) {
			continue
		}
		if rule.Pattern == "" || matchGlob(rule.Pattern, title) {
			return rule.Action
		}
	}
	return r.Default
}

// decideBash evaluates every command the title runs, nested substitutions
// included, and combines the verdicts: any deny denies, any ask asks,
// only all allow allows.
func (r *Rules) decideBash(title string) Action {
	commands, err := parseBashTitle(title)
	if err != nil || len(commands) == 0 {
		// A command line the parser cannot read is never resolved
		// automatically.
		return ActionAsk
	}
	verdict := ActionAllow
	for _, cmd := range commands {
		switch r.decideCommand(cmd) {
		case ActionDeny:
			return ActionDeny
		case ActionAsk:
			verdict = ActionAsk
		}
	}
	return verdict
}

func (r *Rules) decideCommand(cmd bashCommand) Action {
	for _, rule := range r.Rules {
		if !rule.appliesTo(bashTool) {
			continue
		}
		if matchCommand(rule.Pattern, cmd) {
			return rule.Action
		}
	}
	return r.Default
}

func (rule Rule) appliesTo(tool string) bool {
	return rule.Tool == tool || rule.Tool == "*"
}
