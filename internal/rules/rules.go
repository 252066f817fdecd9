// Package rules implements the single-rule and single-filter evaluation
// steps: matching one compiled regex against one field of the flat keyed
// view, and chaining a filter's rules with AND/OR/TERMINAL logic into a
// verdict.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// Logic is how a rule chains to the next rule in its filter.
type Logic int

const (
	LogicAND Logic = iota
	LogicOR
	LogicTerminal
)

func (l Logic) String() string {
	switch l {
	case LogicAND:
		return "AND"
	case LogicOR:
		return "OR"
	case LogicTerminal:
		return "TERMINAL"
	default:
		return fmt.Sprintf("Logic(%d)", int(l))
	}
}

// Action is the verdict a filter or rule can produce.
type Action int

const (
	ActionNone Action = iota
	ActionAccept
	ActionWarn
	ActionReject
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionAccept:
		return "ACCEPT"
	case ActionWarn:
		return "WARN"
	case ActionReject:
		return "REJECT"
	case ActionDrop:
		return "DROP"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction maps a config DSL action token to an Action. It rejects
// ActionNone and unknown tokens since a Filter's terminal rule must resolve
// to one of ACCEPT, WARN, REJECT, DROP.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT":
		return ActionAccept, nil
	case "WARN":
		return ActionWarn, nil
	case "REJECT":
		return ActionReject, nil
	case "DROP":
		return ActionDrop, nil
	default:
		return ActionNone, fmt.Errorf("rules: unknown action %q", s)
	}
}

// matchTimeout bounds how long a single regexp2 match attempt may run,
// guarding against catastrophic backtracking in a user-supplied pattern.
const matchTimeout = 2 * time.Second

// Rule is one compiled condition of a Filter.
type Rule struct {
	Key    string
	Regex  *regexp2.Regexp
	Negate bool
	Logic  Logic
	Action Action
}

// Compile builds a Rule from its DSL parts. The pattern is compiled in
// regexp2's default (Perl-compatible) mode so lookaround works; a bounded
// MatchTimeout is always set.
func Compile(key, pattern string, negate bool, logic Logic, action Action) (*Rule, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("rules: compile %q: %w", pattern, err)
	}
	re.MatchTimeout = matchTimeout
	return &Rule{Key: key, Regex: re, Negate: negate, Logic: logic, Action: action}, nil
}

// splitHTML approximates HTML tag/attribute boundaries for decode_html keys:
// it splits on '"', '>' and '\n'.
func splitHTML(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == '"' || r == '>' || r == '\n'
	})
}

// splitLines splits v on line terminators for decode_text keys. Because
// it uses FieldsFunc, consecutive line terminators collapse and a blank
// line never produces an empty chunk, so a pattern written to match an
// empty line (e.g. "^$") will never match here.
func splitLines(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
}

func (r *Rule) rawMatch(v string) (bool, error) {
	var chunks []string
	switch r.Key {
	case "decode_text":
		chunks = splitLines(v)
	case "decode_html":
		chunks = splitHTML(v)
	default:
		m, err := r.Regex.MatchString(v)
		if err != nil {
			return false, fmt.Errorf("rules: match %q: %w", r.Key, err)
		}
		return m, nil
	}
	for _, chunk := range chunks {
		m, err := r.Regex.MatchString(chunk)
		if err != nil {
			return false, fmt.Errorf("rules: match %q: %w", r.Key, err)
		}
		if m {
			return true, nil
		}
	}
	return false, nil
}

// Match evaluates r against the value bound to r.Key in view, applying
// negation. A missing key is treated as an empty string.
func (r *Rule) Match(view map[string]string) (bool, error) {
	v := view[r.Key]
	ok, err := r.rawMatch(v)
	if err != nil {
		return false, err
	}
	return ok != r.Negate, nil
}

// Filter is an ordered, named sequence of rules.
type Filter struct {
	Name  string
	Rules []*Rule
}

// Validate enforces that a non-empty Filter's last rule is TERMINAL and
// resolves to an actionable verdict.
func (f *Filter) Validate() error {
	if len(f.Rules) == 0 {
		return nil
	}
	last := f.Rules[len(f.Rules)-1]
	if last.Logic != LogicTerminal {
		return fmt.Errorf("rules: filter %q: last rule must be TERMINAL", f.Name)
	}
	switch last.Action {
	case ActionAccept, ActionWarn, ActionReject, ActionDrop:
	default:
		return fmt.Errorf("rules: filter %q: terminal action %s is not actionable", f.Name, last.Action)
	}
	return nil
}

// Evaluate runs f's rule chain against view and returns the resulting
// verdict. cancelled is polled between rules so a longer-running
// filter can be aborted once another filter has already produced a result.
func (f *Filter) Evaluate(view map[string]string, cancelled func() bool) (Action, error) {
	i := 0
	for i < len(f.Rules) {
		if cancelled != nil && cancelled() {
			return ActionNone, nil
		}
		rule := f.Rules[i]
		ok, err := rule.Match(view)
		if err != nil {
			return ActionNone, err
		}
		switch rule.Logic {
		case LogicAND:
			if !ok {
				return ActionNone, nil
			}
			i++
		case LogicOR:
			if ok {
				for j := len(f.Rules) - 1; j >= 0; j-- {
					if f.Rules[j].Logic == LogicTerminal {
						return f.Rules[j].Action, nil
					}
				}
				return ActionNone, nil
			}
			i++
		case LogicTerminal:
			if ok {
				return rule.Action, nil
			}
			return ActionNone, nil
		default:
			return ActionNone, fmt.Errorf("rules: filter %q: rule %d has unknown logic %v", f.Name, i, rule.Logic)
		}
	}
	return ActionNone, nil
}
