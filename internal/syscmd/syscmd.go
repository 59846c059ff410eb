// Package syscmd runs a small allow-list of read-only inspection commands on
// the operator's behalf. Commands run argv-style, never through a shell, and
// anything that smells like shell composition is rejected up front.
package syscmd

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// allowed maps a command name to the git subcommands it permits, or nil when
// every argument shape is fine.
var allowed = map[string][]string{
	"tree": nil,
	"ls":   nil,
	"dir":  nil,
	"find": nil,
	"grep": nil,
	"cat":  nil,
	"git":  {"status", "log", "diff"},
}

var forbiddenTokens = []string{"&&", "||", ";", "|", ">", "<", "`", "$("}

// Result is one command execution.
type Result struct {
	ExitCode int
	Output   string
}

// Validate checks an argv against the allow-list without running anything.
func Validate(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	for _, arg := range argv {
		for _, tok := range forbiddenTokens {
			if strings.Contains(arg, tok) {
				return fmt.Errorf("command rejected: shell operator %q is not allowed", tok)
			}
		}
	}
	subs, ok := allowed[argv[0]]
	if !ok {
		return fmt.Errorf("command %q is not on the allow-list", argv[0])
	}
	if subs != nil {
		if len(argv) < 2 {
			return fmt.Errorf("%s requires a subcommand (%s)", argv[0], strings.Join(subs, ", "))
		}
		for _, s := range subs {
			if argv[1] == s {
				return nil
			}
		}
		return fmt.Errorf("%s %s is not on the allow-list", argv[0], argv[1])
	}
	return nil
}

// Run validates then executes one inspection command in the given directory.
func Run(ctx context.Context, dir string, argv []string) (Result, error) {
	if err := Validate(argv); err != nil {
		return Result{}, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("run %s: %w", argv[0], err)
	}
	return Result{ExitCode: code, Output: out.String()}, nil
}
