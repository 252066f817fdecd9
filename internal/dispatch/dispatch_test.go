package dispatch

import (
	"context"
	"testing"

	"github.com/dlclark/regexp2"

	"github.com/nsmail/milteragent/internal/rules"
)

func terminalFilter(t *testing.T, name, key, pattern string, action rules.Action) *rules.Filter {
	t.Helper()
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		t.Fatal(err)
	}
	return &rules.Filter{
		Name: name,
		Rules: []*rules.Rule{
			{Key: key, Regex: re, Logic: rules.LogicTerminal, Action: action},
		},
	}
}

func TestEvaluateEmptyFiltersShortCircuits(t *testing.T) {
	res, err := Evaluate(context.Background(), nil, map[string]string{"decode_subject": "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != rules.ActionNone {
		t.Fatalf("got %s, want NONE", res.Action)
	}
}

func TestEvaluateSingleMatchDominance(t *testing.T) {
	filters := []*rules.Filter{
		terminalFilter(t, "NoMatch1", "decode_subject", "zzz-nope", rules.ActionReject),
		terminalFilter(t, "BadSubj", "decode_subject", "(?i)viagra", rules.ActionReject),
		terminalFilter(t, "NoMatch2", "decode_subject", "also-nope", rules.ActionWarn),
	}
	view := map[string]string{"decode_subject": "Buy VIAGRA now"}
	res, err := Evaluate(context.Background(), filters, view)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != rules.ActionReject || res.Filter.Name != "BadSubj" {
		t.Fatalf("got %+v, want BadSubj/REJECT", res)
	}
}

func TestEvaluateNoneWhenNothingMatches(t *testing.T) {
	filters := []*rules.Filter{
		terminalFilter(t, "A", "decode_subject", "zzz", rules.ActionReject),
		terminalFilter(t, "B", "decode_subject", "yyy", rules.ActionWarn),
	}
	res, err := Evaluate(context.Background(), filters, map[string]string{"decode_subject": "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != rules.ActionNone {
		t.Fatalf("got %s, want NONE", res.Action)
	}
}
