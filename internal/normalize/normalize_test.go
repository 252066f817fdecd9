package normalize

import (
	"strings"
	"testing"
	"unicode"
)

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello world", "helloworld"},
		{"internal space collapsed", "Buy  VIAGRA   now", "BuyVIAGRAnow"},
		{"tabs and newlines", "a\tb\nc\r\nd", "abcd"},
		{"zero width space stripped", "a​b", "ab"},
		{"bom stripped", "﻿Subject", "Subject"},
		{"nbsp stripped", "a b", "ab"},
		{"control char stripped", "a\x01b", "ab"},
		{"nfkc fullwidth folds", "Ａ", "A"}, // fullwidth A -> ASCII A
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := String(tt.input)
			if got != tt.want {
				t.Fatalf("String(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStringIdempotent(t *testing.T) {
	inputs := []string{
		"Subject: Buy VIAGRA now",
		"a​ b\tc\n\nd",
		"﻿Hello‪ World‬",
		"",
		"plain ascii",
	}
	for _, s := range inputs {
		once := String(s)
		twice := String(once)
		if once != twice {
			t.Fatalf("String not idempotent for %q: once=%q twice=%q", s, once, twice)
		}
	}
}

func TestStringNoWhitespaceOrStripSetSurvives(t *testing.T) {
	input := "Hi​ there friend\n\t\r   end"
	got := String(input)
	for _, r := range got {
		if unicode.IsSpace(r) {
			t.Fatalf("String(%q) = %q still contains whitespace rune %q", input, got, r)
		}
		if isStripped(r) {
			t.Fatalf("String(%q) = %q still contains stripped rune %q", input, got, r)
		}
	}
	if strings.ContainsAny(got, " \t\r\n") {
		t.Fatalf("String(%q) = %q still contains ASCII whitespace", input, got)
	}
}
