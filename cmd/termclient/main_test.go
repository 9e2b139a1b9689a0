package main

import (
	"strings"
	"testing"
)

func TestEscapeFilter(t *testing.T) {
	tests := []struct {
		name     string
		reads    []string
		wantSent string
		wantCmds string
		wantStop bool
	}{
		{"plain input", []string{"hello"}, "hello", "", false},
		{"quit", []string{"ab\x1dq", "never"}, "ab", "q", true},
		{"doubled escape is literal", []string{"a\x1d\x1db"}, "a\x1db", "", false},
		{"doubled escape across reads", []string{"a\x1d", "\x1db"}, "a\x1db", "", false},
		{"command across reads", []string{"x\x1d", "ry"}, "xy", "r", false},
		{"literal then quit", []string{"\x1d\x1d\x1dq"}, "\x1d", "q", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sent, cmds strings.Builder
			f := &escapeFilter{
				send: func(p []byte) { sent.Write(p) },
				command: func(b byte) bool {
					cmds.WriteByte(b)
					return b != 'q'
				},
			}

			stopped := false
			for _, r := range tt.reads {
				if !f.feed([]byte(r)) {
					stopped = true
					break
				}
			}

			if sent.String() != tt.wantSent {
				t.Errorf("sent %q, want %q", sent.String(), tt.wantSent)
			}
			if cmds.String() != tt.wantCmds {
				t.Errorf("commands %q, want %q", cmds.String(), tt.wantCmds)
			}
			if stopped != tt.wantStop {
				t.Errorf("stopped = %v, want %v", stopped, tt.wantStop)
			}
		})
	}
}
