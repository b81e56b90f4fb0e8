package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// envBinding ties a flag to the environment variable used when the flag was
// not given on the command line.
type envBinding struct {
	flag string
	env  string
}

// applyEnvFallbacks sets every unchanged flag whose environment variable is
// non-empty. Explicit flags always win. Bindings for flags the set does not
// define are ignored.
func applyEnvFallbacks(flags *pflag.FlagSet, bindings []envBinding, getenv func(string) string) error {
	for _, b := range bindings {
		if flags.Lookup(b.flag) == nil || flags.Changed(b.flag) {
			continue
		}
		v := strings.TrimSpace(getenv(b.env))
		if v == "" {
			continue
		}
		if err := flags.Set(b.flag, v); err != nil {
			return fmt.Errorf("invalid value for %s: %w", b.env, err)
		}
	}
	return nil
}

// parseCommaSeparatedList parses a comma-separated string into a slice of
// trimmed, non-empty strings. Returns nil for an empty input.
func parseCommaSeparatedList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
