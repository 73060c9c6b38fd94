// Package safetylint validates shell command strings found in a manifest
// before they are ever handed to the command builder. It rejects shell
// metacharacters that would let a manifest author smuggle in chaining,
// redirection, or substitution rather than a single plain command.
package safetylint

import (
	"fmt"
	"strings"
)

const maxCommandLength = 4096

// forbidden lists shell metacharacter sequences that are not allowed in a
// shell execute spec's command or stop_command.
var forbidden = []struct {
	pattern string
	desc    string
}{
	{"|", "pipes"},
	{";", "semicolon chaining"},
	{"&&", "AND chaining"},
	{"||", "OR chaining"},
	{"$(", "command substitution"},
	{"`", "backtick substitution"},
	{">", "output redirection"},
	{"<", "input redirection"},
	{"&", "background execution"},
}

// Validate checks a shell command string for dangerous patterns.
// It does not attempt to parse the command, only to reject constructs
// that indicate the command is not a single plain invocation.
func Validate(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("empty command")
	}
	if len(command) > maxCommandLength {
		return fmt.Errorf("command too long (max %d characters)", maxCommandLength)
	}

	for _, f := range forbidden {
		if strings.Contains(command, f.pattern) {
			return fmt.Errorf("command contains dangerous pattern: %s (%q)", f.desc, f.pattern)
		}
	}

	if strings.Count(command, "'")%2 != 0 {
		return fmt.Errorf("unbalanced single quotes")
	}
	if strings.Count(command, `"`)%2 != 0 {
		return fmt.Errorf("unbalanced double quotes")
	}

	return nil
}
