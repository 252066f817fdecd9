// Package config implements the Config/Filter/FilterRule data model and
// the line-oriented configuration DSL loader. Config values are
// loaded once into an immutable snapshot; Reload swaps a new snapshot in
// atomically rather than mutating one in place.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nsmail/milteragent/internal/cidrset"
	"github.com/nsmail/milteragent/internal/rules"
)

// LogLevel is one of the three levels the DSL's Log_level key accepts.
type LogLevel int

const (
	LogLevelInfo LogLevel = iota
	LogLevelTrace
	LogLevelDebug
)

func parseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LogLevelInfo, nil
	case "trace":
		return LogLevelTrace, nil
	case "debug":
		return LogLevelDebug, nil
	default:
		return LogLevelInfo, fmt.Errorf("config: unknown Log_level %q", s)
	}
}

// Report holds the optional abuse-report sink's settings.
type Report struct {
	Enabled bool
	URL     string
	Token   string
}

// Config is the immutable, atomically-swappable snapshot every session
// holds a reference to for its whole lifetime.
type Config struct {
	Listen        string
	ClientTimeout time.Duration
	LogFile       string
	LogLevel      LogLevel
	Filters       []*rules.Filter
	SafeAddresses *cidrset.Set
	Report        Report
}

// Load parses the configuration DSL from r: one `key = value` statement
// per line, `#` starts a comment, blank lines are ignored.
// `filter[NAME] = ...` lines accumulate rules into named filters, which
// are validated (the last rule must be TERMINAL with an actionable
// verdict) once the whole file has been read.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{ClientTimeout: 30 * time.Second}
	var safeAddrs []string
	filterOrder := make([]string, 0)
	filterRules := make(map[string][]*rules.Rule)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case strings.EqualFold(key, "Listen"):
			cfg.Listen = value
		case strings.EqualFold(key, "Client_timeout"):
			secs, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: Client_timeout: %w", lineNo, err)
			}
			cfg.ClientTimeout = time.Duration(secs) * time.Second
		case strings.EqualFold(key, "Log_file"):
			cfg.LogFile = value
		case strings.EqualFold(key, "Log_level"):
			lvl, err := parseLogLevel(value)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			cfg.LogLevel = lvl
		case strings.EqualFold(key, "safe_address"):
			safeAddrs = append(safeAddrs, value)
		case strings.EqualFold(key, "report.enabled"):
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: report.enabled: %w", lineNo, err)
			}
			cfg.Report.Enabled = b
		case strings.EqualFold(key, "report.url"):
			cfg.Report.URL = value
		case strings.EqualFold(key, "report.token"):
			cfg.Report.Token = value
		case strings.HasPrefix(key, "filter[") && strings.HasSuffix(key, "]"):
			name := key[len("filter[") : len(key)-1]
			parsed, err := parseFilterRules(name, value)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			if _, seen := filterRules[name]; !seen {
				filterOrder = append(filterOrder, name)
			}
			filterRules[name] = append(filterRules[name], parsed...)
		default:
			return nil, fmt.Errorf("config: line %d: unrecognized key %q", lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for _, name := range filterOrder {
		f := &rules.Filter{Name: name, Rules: filterRules[name]}
		if err := f.Validate(); err != nil {
			return nil, err
		}
		cfg.Filters = append(cfg.Filters, f)
	}

	safe, err := cidrset.Parse(safeAddrs)
	if err != nil {
		return nil, err
	}
	cfg.SafeAddresses = safe

	return cfg, nil
}

// parseFilterRules parses one filter[NAME] line's value: a comma-separated
// list of "KEY:[!]REGEX:TAIL" segments, where TAIL is either "AND"/"OR"
// (a chaining rule) or an action name (a TERMINAL rule). Since the regex
// itself may contain colons, only the first colon (splitting off KEY) and
// the last colon (splitting off TAIL) are structural. A regex compile
// error drops that single rule from the filter silently, rather than
// failing the whole load.
func parseFilterRules(name, value string) ([]*rules.Rule, error) {
	segments := strings.Split(value, ",")
	out := make([]*rules.Rule, 0, len(segments))
	for _, seg := range segments {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		key, rest, ok := strings.Cut(seg, ":")
		if !ok {
			return nil, fmt.Errorf("filter %q: malformed rule segment %q", name, seg)
		}
		lastColon := strings.LastIndexByte(rest, ':')
		if lastColon < 0 {
			return nil, fmt.Errorf("filter %q: malformed rule segment %q", name, seg)
		}
		pattern := rest[:lastColon]
		tail := strings.ToUpper(strings.TrimSpace(rest[lastColon+1:]))

		negate := false
		if strings.HasPrefix(pattern, "!") {
			negate = true
			pattern = pattern[1:]
		}

		var logic rules.Logic
		var action rules.Action
		switch tail {
		case "AND":
			logic = rules.LogicAND
			action = rules.ActionNone
		case "OR":
			logic = rules.LogicOR
			action = rules.ActionNone
		default:
			logic = rules.LogicTerminal
			a, err := rules.ParseAction(tail)
			if err != nil {
				return nil, fmt.Errorf("filter %q: %w", name, err)
			}
			action = a
		}

		rule, err := rules.Compile(key, pattern, negate, logic, action)
		if err != nil {
			// a compile error makes the rule inert: drop it rather than
			// fail the whole filter.
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}
