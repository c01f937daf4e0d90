package policy

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// bashCommand is one parsed command within a (possibly compound) shell
// command line, used both for wildcard rule matching and, by harddeny.go's
// structural checks, for locating raw-socket invocations and pipes.
type bashCommand struct {
	Name       string
	Args       []string
	Subcommand string
}

// parseBashCommands splits command into its constituent invocations.
// Grounded on the teacher's permission.ParseBashCommand/extractCommand.
func parseBashCommands(command string) ([]bashCommand, error) {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash), syntax.KeepComments(false))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("policy: parse bash command: %w", err)
	}

	var commands []bashCommand
	syntax.Walk(file, func(node syntax.Node) bool {
		if call, ok := node.(*syntax.CallExpr); ok {
			if cmd := extractBashCommand(call); cmd != nil {
				commands = append(commands, *cmd)
			}
		}
		return true
	})
	return commands, nil
}

func extractBashCommand(call *syntax.CallExpr) *bashCommand {
	if len(call.Args) == 0 {
		return nil
	}
	cmd := &bashCommand{Name: literalWordValue(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}
	for _, arg := range call.Args[1:] {
		s := literalWordValue(arg)
		cmd.Args = append(cmd.Args, s)
		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd
}

// matchBashPattern reports whether pattern (spec §3's PolicyRule.pattern,
// shaped like "git commit *", "git *", or "*") matches cmd. Grounded on the
// teacher's permission.MatchPattern, unchanged in semantics.
func matchBashPattern(pattern string, cmd bashCommand) bool {
	parts := strings.Split(pattern, " ")
	if len(parts) == 0 {
		return false
	}
	if parts[0] == "*" && len(parts) == 1 {
		return true
	}
	if parts[0] != "*" && parts[0] != cmd.Name {
		return false
	}
	if len(parts) == 1 {
		return len(cmd.Args) == 0
	}
	if parts[len(parts)-1] == "*" {
		for i := 1; i < len(parts)-1; i++ {
			argIndex := i - 1
			if argIndex >= len(cmd.Args) {
				return false
			}
			if parts[i] != "*" && parts[i] != cmd.Args[argIndex] {
				return false
			}
		}
		return true
	}
	if len(parts)-1 != len(cmd.Args) {
		return false
	}
	for i := 1; i < len(parts); i++ {
		if parts[i] != cmd.Args[i-1] {
			return false
		}
	}
	return true
}

// buildBashPattern produces the canonical "remember" pattern for cmd, e.g.
// "git commit -m msg" -> "git commit *".
func buildBashPattern(cmd bashCommand) string {
	if cmd.Subcommand != "" {
		return cmd.Name + " " + cmd.Subcommand + " *"
	}
	return cmd.Name + " *"
}
