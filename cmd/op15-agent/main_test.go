package main

import (
	"reflect"
	"testing"
)

// A bare invocation runs the daemon off the saved config; positional args
// and explicit subcommands route accordingly.
func TestRouteArgs(t *testing.T) {
	cases := []struct {
		name     string
		args     []string
		wantCmd  string
		wantRest []string
	}{
		{"bare", nil, "run", nil},
		{"positional server url", []string{"wss://bridge.example.com"}, "run", []string{"wss://bridge.example.com"}},
		{"positional server url and user", []string{"wss://bridge.example.com", "u1"}, "run", []string{"wss://bridge.example.com", "u1"}},
		{"explicit run", []string{"run", "wss://bridge.example.com"}, "run", []string{"wss://bridge.example.com"}},
		{"init", []string{"init", "-server-url", "x"}, "init", []string{"-server-url", "x"}},
		{"version", []string{"version"}, "version", []string{}},
		{"help", []string{"help"}, "help", []string{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, rest := routeArgs(tc.args)
			if cmd != tc.wantCmd {
				t.Fatalf("cmd = %q, want %q", cmd, tc.wantCmd)
			}
			if len(rest) != len(tc.wantRest) || (len(rest) > 0 && !reflect.DeepEqual(rest, tc.wantRest)) {
				t.Fatalf("rest = %v, want %v", rest, tc.wantRest)
			}
		})
	}
}
