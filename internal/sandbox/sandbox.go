// Package sandbox executes exactly one allow-listed script under a fixed
// root. It is a capability, not a general executor: relative paths only, one
// permitted extension, no shell, hard wall-clock timeout.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// TimeoutExitCode is the sentinel returned when a script exceeds its
// wall-clock budget.
const TimeoutExitCode = 124

// ViolationError marks a containment failure detected before any process is
// spawned.
type ViolationError struct {
	Path   string
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation for %q: %s", e.Path, e.Reason)
}

// Result captures one script execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner runs scripts found under ScriptsDir with a fixed interpreter.
type Runner struct {
	ProjectRoot string // working directory for scripts, absolute
	ScriptsDir  string // allow-listed root, absolute
	Interpreter string // e.g. python3
	Extension   string // e.g. .py
	Timeout     time.Duration
}

// NewRunner builds a runner with the given absolute project root and a
// scripts directory relative to it.
func NewRunner(projectRoot, scriptsRel, interpreter, extension string, timeout time.Duration) *Runner {
	return &Runner{
		ProjectRoot: projectRoot,
		ScriptsDir:  filepath.Join(projectRoot, scriptsRel),
		Interpreter: interpreter,
		Extension:   strings.ToLower(extension),
		Timeout:     timeout,
	}
}

// Validate resolves a relative script path against the scripts root and
// enforces the containment and extension rules. It returns the resolved
// absolute path or a *ViolationError, and never touches a process.
func (r *Runner) Validate(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", &ViolationError{Path: rel, Reason: "empty script path"}
	}
	if filepath.IsAbs(rel) {
		return "", &ViolationError{Path: rel, Reason: "absolute paths are forbidden"}
	}

	candidate := filepath.Clean(filepath.Join(r.ScriptsDir, rel))
	// Resolve symlinks before the containment check so a link inside the
	// root cannot point execution outside it.
	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		candidate = resolved
	}
	rootResolved := r.ScriptsDir
	if resolved, err := filepath.EvalSymlinks(r.ScriptsDir); err == nil {
		rootResolved = resolved
	}
	if candidate != rootResolved && !strings.HasPrefix(candidate, rootResolved+string(filepath.Separator)) {
		return "", &ViolationError{Path: rel, Reason: "path is outside the scripts root"}
	}

	info, err := os.Stat(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &ViolationError{Path: rel, Reason: "script not found"}
		}
		return "", &ViolationError{Path: rel, Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return "", &ViolationError{Path: rel, Reason: "not a regular file"}
	}
	if strings.ToLower(filepath.Ext(candidate)) != r.Extension {
		return "", &ViolationError{Path: rel, Reason: fmt.Sprintf("only %s scripts are allowed", r.Extension)}
	}
	return candidate, nil
}

// Run validates then executes one script. Validation failures return a
// *ViolationError; every execution failure, including timeout, is reported
// through the Result, never as an error.
func (r *Runner) Run(ctx context.Context, rel string, args []string) (Result, error) {
	script, err := r.Validate(rel)
	if err != nil {
		return Result{}, err
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.Interpreter, append([]string{script}, args...)...)
	cmd.Dir = r.ProjectRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	out, errOut := stdout.String(), stderr.String()

	if runCtx.Err() == context.DeadlineExceeded {
		if errOut != "" && !strings.HasSuffix(errOut, "\n") {
			errOut += "\n"
		}
		errOut += fmt.Sprintf("[albert] script timed out after %s", timeout)
		return Result{ExitCode: TimeoutExitCode, Stdout: out, Stderr: errOut}, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return Result{ExitCode: exitErr.ExitCode(), Stdout: out, Stderr: errOut}, nil
		}
		// Spawn failure (interpreter missing, permissions): surface as a
		// non-zero exit, not an exception.
		if errOut != "" && !strings.HasSuffix(errOut, "\n") {
			errOut += "\n"
		}
		errOut += fmt.Sprintf("[albert] script execution failed: %v", runErr)
		return Result{ExitCode: 1, Stdout: out, Stderr: errOut}, nil
	}
	return Result{ExitCode: 0, Stdout: out, Stderr: errOut}, nil
}
