package flagparse

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{"Simple List", "a,b,c", []string{"a", "b", "c"}},
		{"List with Spaces", " a , b, c ", []string{"a", "b", "c"}},
		{"Empty String", "", nil},
		{"Quoted Item with Spaces", "'item with spaces',b", []string{"item with spaces", "b"}},
		{"Quoted Item with Comma", "'a,b',c", []string{"a,b", "c"}},
		{"Unmatched Quote", "'a,b", []string{"a,b"}},
		{"Nested Quotes", "'a \"b\" c',d", []string{"a \"b\" c", "d"}},
		{"Windows Path with Backslashes", `C:\Users\Test,D:\Data`, []string{`C:\Users\Test`, `D:\Data`}},
		{"Unix Path with Slashes", "/home/user/test,/var/log", []string{"/home/user/test", "/var/log"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.expected, ParseList(tc.input)); diff != "" {
				t.Errorf("ParseList(%q) mismatch (-want +got):\n%s", tc.input, diff)
			}
		})
	}
}

func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		command Command
		flags   map[string]any
		wantErr bool
	}{
		{"no args", nil, None, nil, false},
		{"help", []string{"help"}, None, nil, false},
		{"version", []string{"version"}, Version, nil, false},
		{"unknown command", []string{"backup"}, None, nil, true},
		{"none is not a command", []string{"none"}, None, nil, true},
		{
			"serve only records set flags",
			[]string{"serve", "-address", ":9000", "-start", "-interval", "250"},
			Serve,
			map[string]any{"address": ":9000", "start": true, "interval": 250},
			false,
		},
		{
			"add parses lists",
			[]string{"add", "-source", "/src", "-destinations", "/a, '/b,c'", "-black-list", "*.tmp,*.log", "-archive-bit"},
			Add,
			map[string]any{
				"source":       "/src",
				"destinations": []string{"/a", "/b,c"},
				"black-list":   []string{"*.tmp", "*.log"},
				"archive-bit":  true,
			},
			false,
		},
		{"flag of another command", []string{"list", "-start"}, List, nil, true},
		{"stray argument", []string{"init", "extra"}, Init, nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			command, flags, err := Parse(tc.args)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Parse(%v) error = %v, wantErr %v", tc.args, err, tc.wantErr)
			}
			if command != tc.command {
				t.Errorf("expected command %s, got %s", tc.command, command)
			}
			if tc.wantErr {
				return
			}
			if len(tc.flags) == 0 && len(flags) == 0 {
				return
			}
			if diff := cmp.Diff(tc.flags, flags); diff != "" {
				t.Errorf("flag map mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	for _, c := range []Command{Serve, Version, Init, Add, List} {
		got, err := ParseCommand(c.String())
		if err != nil || got != c {
			t.Errorf("ParseCommand(%q) = %v, %v", c.String(), got, err)
		}
	}
}
