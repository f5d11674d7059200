// Package blacklist implements the blacklist evaluator (C8): ordered
// rule-based allow/deny/deny-temporarily decisions over an event's
// authenticated identity fields.
//
// Grounded directly on the Python original's
// auth/blacklisting_settings.py: action constants, {field, patterns} rule
// shape, and priority-ordered evaluation (DENY before DENY_FOR_TWO_DAYS).
package blacklist

import (
	"fmt"
	"regexp"
)

// Action is one of the three decisions the evaluator can return.
type Action string

const (
	Allow           Action = "allow"
	Deny            Action = "deny"
	DenyForTwoDays  Action = "deny_for_two_days"
)

// statusCode is the HTTP-style status equivalent carried in the response,
// per the RULES_RESPONSES table in the original source.
var statusCode = map[Action]int{
	Allow:          200,
	Deny:           403,
	DenyForTwoDays: 403,
}

// Response is the control-frame payload sent to the client when an action
// other than Allow is taken.
type Response struct {
	Type       Action `json:"type"`
	Message    string `json:"msg"`
	StatusCode int    `json:"status_code"`
}

// Pattern matches a single identity field against a list of regexes.
type Pattern struct {
	Field    string
	Patterns []string
}

// Rule is one blacklist rule: an action, its priority (lower evaluates
// first), and the field/pattern pairs that trigger it.
type Rule struct {
	Action   Action
	Priority int
	Patterns []Pattern
}

// priorityOrder is the default priority of rule evaluation: RULE_TYPES_BY_PRIORITIES
// in the original source evaluates DENY before DENY_FOR_TWO_DAYS.
var priorityOrder = map[Action]int{
	Deny:           0,
	DenyForTwoDays: 1,
}

// Evaluator holds a compiled rule set, sorted by priority.
type Evaluator struct {
	rules []compiledRule
}

type compiledRule struct {
	action   Action
	priority int
	fields   []compiledPattern
}

type compiledPattern struct {
	field    string
	patterns []*regexp.Regexp
}

// New compiles rules into an Evaluator, sorting by priority. A rule whose
// Priority is zero takes its action's default priority (priorityOrder);
// rules with equal priority keep their declaration order.
func New(rules []Rule) (*Evaluator, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		fields := make([]compiledPattern, 0, len(r.Patterns))
		for _, p := range r.Patterns {
			regexes := make([]*regexp.Regexp, 0, len(p.Patterns))
			for _, pat := range p.Patterns {
				re, err := regexp.Compile(pat)
				if err != nil {
					return nil, fmt.Errorf("blacklist: rule %d: compile pattern %q: %w", i, pat, err)
				}
				regexes = append(regexes, re)
			}
			fields = append(fields, compiledPattern{field: p.Field, patterns: regexes})
		}
		priority := r.Priority
		if priority == 0 {
			priority = priorityOrder[r.Action]
		}
		compiled = append(compiled, compiledRule{action: r.Action, priority: priority, fields: fields})
	}

	// Stable sort by priority, preserving declaration order for ties.
	for i := 1; i < len(compiled); i++ {
		for j := i; j > 0 && compiled[j].priority < compiled[j-1].priority; j-- {
			compiled[j], compiled[j-1] = compiled[j-1], compiled[j]
		}
	}

	return &Evaluator{rules: compiled}, nil
}

// Evaluate checks identity (a flat map of auth fields such as email,
// google_id) against every rule in priority order. The first matching rule
// wins; if none match, the result is Allow. A nil identity matches nothing
// and is treated the same as an empty one.
func (e *Evaluator) Evaluate(identity map[string]any) (Action, *Response) {
	for _, rule := range e.rules {
		for _, field := range rule.fields {
			value, ok := identity[field.field].(string)
			if !ok {
				continue
			}
			for _, re := range field.patterns {
				if re.MatchString(value) {
					return rule.action, responseFor(rule.action)
				}
			}
		}
	}
	return Allow, nil
}

func responseFor(a Action) *Response {
	msg := "allowed"
	switch a {
	case Deny:
		msg = "access denied"
	case DenyForTwoDays:
		msg = "access denied for two days"
	}
	return &Response{Type: a, Message: msg, StatusCode: statusCode[a]}
}

// DefaultRules mirrors the example rule set in the original source: an
// institutional email domain pattern denied outright, and a google_id
// pattern denied for two days.
var DefaultRules = []Rule{
	{
		Action:   Deny,
		Priority: 0,
		Patterns: []Pattern{{Field: "email", Patterns: []string{`^.*@ncsu\.edu$`}}},
	},
	{
		Action:   DenyForTwoDays,
		Priority: 1,
		Patterns: []Pattern{{Field: "google_id", Patterns: []string{`1234`}}},
	},
}
