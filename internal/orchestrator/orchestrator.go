// Package orchestrator drives one instruction through the model, the artifact
// sink, the sandbox, and the review gate. The sequence is a bounded loop: the
// model may chain at most MaxLoops calls by requesting script executions, and
// every side effect along the way is ledgered.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"albert/internal/backend"
	"albert/internal/domain"
	"albert/internal/ledger"
	"albert/internal/parser"
	"albert/internal/sandbox"
	"albert/internal/sink"
)

// Console is the terminal surface the orchestrator talks to.
type Console interface {
	Print(msg string)
	Success(msg string)
	Notice(msg string)
	Error(msg string)
	Model(stepID, raw string)
}

// ScriptRunner executes one validated script. *sandbox.Runner satisfies it.
type ScriptRunner interface {
	Run(ctx context.Context, rel string, args []string) (sandbox.Result, error)
}

// ErrEmptyInstruction is returned by Run when there is nothing to send; the
// sequence makes no model call and writes no ledger entry.
var ErrEmptyInstruction = errors.New("empty instruction; nothing sent")

// ApplyOutcome reports what the review gate did with the staged files.
// Committed means the post-apply git phase fully succeeded ("nothing to
// commit" counts as success; any add/commit/push failure does not).
type ApplyOutcome struct {
	Accepted  bool
	Applied   []string
	Committed bool
}

// Applier is the review gate. Given quarantine paths it decides whether the
// staged files reach the working tree.
type Applier interface {
	ReviewAndApply(stagedPaths []string) (ApplyOutcome, error)
}

// Options parameterize one Run.
type Options struct {
	Instruction  string
	SystemPrompt string // full system prompt, context already packed in
	SessionID    string // defaults to today's date
	MaxLoops     int
}

// Summary is the terminal state of one run sequence.
type Summary struct {
	Reason     domain.TerminationReason
	Loops      int // model calls made
	Usage      domain.UsageStats
	LastStepID string
	Staged     []string // quarantine paths written across all turns
	Applied    []string // root-relative paths applied to the working tree
}

// Orchestrator wires the collaborators for a project.
type Orchestrator struct {
	Model   backend.Model
	Sink    *sink.Sink
	Runner  ScriptRunner
	Ledger  *ledger.Ledger
	Console Console
	Applier Applier
	Log     *slog.Logger
	Now     func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// newStepID builds the per-turn identifier used for quarantine directories.
func (o *Orchestrator) newStepID() string {
	return fmt.Sprintf("step_%s_%s", o.now().Format("150405"), uuid.New().String()[:8])
}

// Run executes one instruction to termination. An empty instruction is a
// zero-waste no-op: no model call, no ledger write.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (Summary, error) {
	instruction := strings.TrimSpace(opts.Instruction)
	if instruction == "" {
		return Summary{}, ErrEmptyInstruction
	}
	maxLoops := opts.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 5
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = o.now().Format("2006-01-02")
	}

	var sum Summary
	var runErr error
	prompt := instruction

	for sum.Loops < maxLoops {
		stepID := o.newStepID()
		sum.LastStepID = stepID
		o.Log.Debug("model turn", "step_id", stepID, "loop", sum.Loops+1, "max_loops", maxLoops)

		raw, usage, err := o.Model.Send(ctx, opts.SystemPrompt, prompt)
		sum.Loops++
		sum.Usage = sum.Usage.Add(usage)
		if err != nil {
			// Artifacts staged in earlier turns still go through review
			// below; only the transaction is forfeited.
			if ctx.Err() != nil {
				sum.Reason = domain.ReasonAborted
				runErr = ctx.Err()
			} else {
				sum.Reason = domain.ReasonError
				runErr = fmt.Errorf("model call failed: %w", err)
			}
			break
		}

		o.Console.Model(stepID, raw)
		records := parser.Parse(raw)
		o.showRecords(records)

		staged := o.Sink.Apply(stepID, raw, records)
		sum.Staged = append(sum.Staged, staged.Paths...)

		next := staged.Next
		if next == nil || next.Type != domain.NextActionExecAndChain {
			sum.Reason = domain.ReasonModelStopped
			break
		}
		if sum.Loops >= maxLoops {
			o.Console.Notice(fmt.Sprintf("Loop fuse tripped after %d model calls; dropping requested execution of %s.", maxLoops, next.Target))
			sum.Reason = domain.ReasonFuseTripped
			break
		}

		prompt = o.executeChain(ctx, next)
	}
	if sum.Reason == "" {
		sum.Reason = domain.ReasonFuseTripped
	}

	outcome, declined, reviewErr := o.reviewPhase(sum.Staged)
	sum.Applied = outcome.Applied
	if declined && runErr == nil {
		sum.Reason = domain.ReasonAborted
	}

	// Manifest generation happens at every sequence end, best-effort,
	// whatever the outcome was.
	if path, err := o.Sink.WriteManifest(sessionID); err != nil {
		o.Console.Error(fmt.Sprintf("manifest write failed: %v", err))
	} else {
		o.Console.Print("Manifest written: " + path)
	}

	if reviewErr != nil {
		if runErr == nil {
			runErr = reviewErr
		} else {
			o.Console.Error(reviewErr.Error())
		}
	}
	// Terminal success only: the sequence ran clean, the operator accepted,
	// and the git phase went through.
	if runErr == nil && outcome.Accepted && outcome.Committed && len(outcome.Applied) > 0 {
		if _, err := o.Ledger.AppendTransaction(sessionID, sum.LastStepID, instruction, sum.Usage, "applied"); err != nil {
			o.Console.Error(fmt.Sprintf("transaction append failed: %v", err))
		}
	}
	return sum, runErr
}

// executeChain runs the requested script, or substitutes a synthetic failure
// when validation blocks it, and builds the next prompt. A blocked request
// still consumed the turn; the model learns why through the same channel it
// would read real output from.
func (o *Orchestrator) executeChain(ctx context.Context, next *domain.NextAction) string {
	o.Console.Notice(fmt.Sprintf("Model requested execution: %s %s", next.Target, strings.Join(next.Args, " ")))

	res, err := o.Runner.Run(ctx, next.Target, next.Args)
	var violation *sandbox.ViolationError
	if errors.As(err, &violation) {
		o.Console.Error(fmt.Sprintf("execution blocked: %v", violation))
		if _, lerr := o.Ledger.AppendEvent(domain.ActorOrchestrator, domain.ActionExecBlocked, violation.Error(), nil); lerr != nil {
			o.Console.Error(fmt.Sprintf("ledger append failed: %v", lerr))
		}
		res = sandbox.Result{ExitCode: 1, Stderr: violation.Error()}
	} else if err != nil {
		// Spawn-level surprises take the same synthetic shape.
		o.Console.Error(fmt.Sprintf("execution failed: %v", err))
		res = sandbox.Result{ExitCode: 1, Stderr: err.Error()}
	} else {
		if _, lerr := o.Ledger.AppendEvent(domain.ActorOrchestrator, domain.ActionReboundExec, next.Target, nil); lerr != nil {
			o.Console.Error(fmt.Sprintf("ledger append failed: %v", lerr))
		}
		o.Log.Info("script executed", "target", next.Target, "exit_code", res.ExitCode)
	}

	return fmt.Sprintf("System Output:\n[STDOUT]\n%s\n[STDERR]\n%s\n[RETURN_CODE] %d\n\n%s",
		res.Stdout, res.Stderr, res.ExitCode, next.Continuation)
}

func (o *Orchestrator) showRecords(records []domain.Record) {
	for _, rec := range records {
		if rec.Thought != "" {
			o.Log.Debug("model thought", "thought", rec.Thought)
		}
		if rec.Message != "" {
			o.Console.Print(rec.Message)
		}
		if rec.Tool != nil {
			o.Console.Notice(fmt.Sprintf("Model mentioned tool: %s", rec.Tool.Name))
		}
	}
}

// reviewPhase hands staged artifacts to the applier. With nothing staged or
// no applier configured the run ends in quarantine-only mode; a declined
// review is reported so the sequence can end as aborted.
func (o *Orchestrator) reviewPhase(stagedPaths []string) (ApplyOutcome, bool, error) {
	if len(stagedPaths) == 0 || o.Applier == nil {
		return ApplyOutcome{}, false, nil
	}
	outcome, err := o.Applier.ReviewAndApply(stagedPaths)
	if err != nil {
		return outcome, false, fmt.Errorf("review: %w", err)
	}
	if !outcome.Accepted {
		return ApplyOutcome{}, true, nil
	}
	return outcome, false, nil
}
