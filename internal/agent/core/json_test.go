package core

import "testing"

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"wrapped", "Here you go:\n```json\n{\"a\":{\"b\":2}}\n```\nthanks", `{"a":{"b":2}}`},
		{"braces in strings", `x {"html":"<style>p{color:red}</style>","n":"\"}"} y`, `{"html":"<style>p{color:red}</style>","n":"\"}"}`},
		{"first of two", `{"a":1} {"b":2}`, `{"a":1}`},
		{"none", "no json here", ""},
		{"unbalanced", `{"a":1`, ""},
	}
	for _, tc := range cases {
		if got := extractFirstJSON(tc.in); got != tc.want {
			t.Fatalf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
