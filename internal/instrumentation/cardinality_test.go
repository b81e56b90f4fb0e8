package instrumentation

import (
	"strings"
	"testing"
)

func TestMethodLabel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tools/call", "tools/call"},
		{"notifications/initialized", "notifications/initialized"},
		{"resources/templates/list", "resources/templates/list"},
		{"", "none"},
		{"DROP TABLE; --", "other"},
		{"tools/call?x=1", "other"},
		{strings.Repeat("a", 65), "other"},
	}
	for _, tt := range tests {
		if got := MethodLabel(tt.in); got != tt.want {
			t.Errorf("MethodLabel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
