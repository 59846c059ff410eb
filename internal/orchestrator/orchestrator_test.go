package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"albert/internal/domain"
	"albert/internal/ledger"
	"albert/internal/logs"
	"albert/internal/orchestrator"
	"albert/internal/sandbox"
	"albert/internal/sink"
)

type fakeModel struct {
	replies []string
	prompts []string
	errOn   int // 1-based call index that fails; 0 never fails
	err     error
}

func (m *fakeModel) Send(ctx context.Context, systemPrompt, userPrompt string) (string, domain.UsageStats, error) {
	m.prompts = append(m.prompts, userPrompt)
	if m.errOn != 0 && len(m.prompts) == m.errOn {
		return "", domain.UsageStats{}, m.err
	}
	if len(m.replies) == 0 {
		return `{"message": "done"}`, domain.UsageStats{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, domain.UsageStats{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

type fakeConsole struct {
	lines []string
}

func (c *fakeConsole) Print(msg string)   { c.lines = append(c.lines, msg) }
func (c *fakeConsole) Success(msg string) { c.lines = append(c.lines, msg) }
func (c *fakeConsole) Notice(msg string)  { c.lines = append(c.lines, msg) }
func (c *fakeConsole) Error(msg string)   { c.lines = append(c.lines, "ERROR: "+msg) }
func (c *fakeConsole) Model(stepID, raw string) {
	c.lines = append(c.lines, "model:"+stepID)
}

type fakeRunner struct {
	result sandbox.Result
	err    error
	calls  []string
}

func (r *fakeRunner) Run(ctx context.Context, rel string, args []string) (sandbox.Result, error) {
	r.calls = append(r.calls, rel)
	return r.result, r.err
}

type fakeApplier struct {
	accept    bool
	committed bool
	seen      []string
}

func (a *fakeApplier) ReviewAndApply(staged []string) (orchestrator.ApplyOutcome, error) {
	a.seen = staged
	if !a.accept {
		return orchestrator.ApplyOutcome{}, nil
	}
	applied := make([]string, 0, len(staged))
	for _, p := range staged {
		applied = append(applied, filepath.Base(p))
	}
	return orchestrator.ApplyOutcome{Accepted: true, Applied: applied, Committed: a.committed}, nil
}

func newTestOrchestrator(t *testing.T, model *fakeModel, runner orchestrator.ScriptRunner, applier orchestrator.Applier) (*orchestrator.Orchestrator, string, *fakeConsole) {
	t.Helper()
	root := t.TempDir()
	l, err := ledger.Open(root)
	if err != nil {
		t.Fatal(err)
	}
	console := &fakeConsole{}
	o := &orchestrator.Orchestrator{
		Model:   model,
		Sink:    sink.New(root, l, console),
		Runner:  runner,
		Ledger:  l,
		Console: console,
		Applier: applier,
		Log:     logs.Discard(),
		Now:     func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return o, root, console
}

func chainReply(target, continuation string) string {
	return fmt.Sprintf(`{"next_action": {"type": "exec_and_chain", "target": "%s", "continuation": "%s"}}`, target, continuation)
}

func readLedger(t *testing.T, root, name string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "ledger", name))
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func TestFuseTripsAtMaxLoops(t *testing.T) {
	model := &fakeModel{replies: []string{
		chainReply("a.py", "next"),
		chainReply("a.py", "next"),
		chainReply("a.py", "next"),
		chainReply("a.py", "next"),
	}}
	runner := &fakeRunner{result: sandbox.Result{ExitCode: 0, Stdout: "ok"}}
	o, _, console := newTestOrchestrator(t, model, runner, nil)

	sum, err := o.Run(context.Background(), orchestrator.Options{Instruction: "go", MaxLoops: 3})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Reason != domain.ReasonFuseTripped {
		t.Fatalf("reason = %s, want fuse_tripped", sum.Reason)
	}
	if len(model.prompts) != 3 {
		t.Fatalf("model calls = %d, want exactly 3", len(model.prompts))
	}
	// Two chains executed between three calls; the third request was dropped.
	if len(runner.calls) != 2 {
		t.Fatalf("script runs = %d, want 2", len(runner.calls))
	}
	found := false
	for _, line := range console.lines {
		if strings.Contains(line, "fuse tripped") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a fuse notice on the console")
	}
}

func TestEmptyInstructionIsZeroWaste(t *testing.T) {
	model := &fakeModel{}
	o, root, _ := newTestOrchestrator(t, model, &fakeRunner{}, nil)

	_, err := o.Run(context.Background(), orchestrator.Options{Instruction: "   "})
	if !errors.Is(err, orchestrator.ErrEmptyInstruction) {
		t.Fatalf("err = %v, want ErrEmptyInstruction", err)
	}
	if len(model.prompts) != 0 {
		t.Fatalf("model was called %d times, want 0", len(model.prompts))
	}
	for _, name := range []string{"events.jsonl", "audit_log.jsonl"} {
		data, err := os.ReadFile(filepath.Join(root, "ledger", name))
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != 0 {
			t.Fatalf("%s not empty: %q", name, data)
		}
	}
}

func TestSingleTurnArtifactFlow(t *testing.T) {
	model := &fakeModel{replies: []string{
		`{"message": "writing", "artifacts": [{"path": "notes/plan.md", "content": "# plan"}]}`,
	}}
	o, root, _ := newTestOrchestrator(t, model, &fakeRunner{}, nil)

	sum, err := o.Run(context.Background(), orchestrator.Options{Instruction: "plan it"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Reason != domain.ReasonModelStopped {
		t.Fatalf("reason = %s, want model_stopped", sum.Reason)
	}
	if len(sum.Staged) != 1 {
		t.Fatalf("staged = %v, want one path", sum.Staged)
	}
	data, err := os.ReadFile(sum.Staged[0])
	if err != nil || string(data) != "# plan" {
		t.Fatalf("artifact content: %q, %v", data, err)
	}
	if _, err := os.Stat(sum.Staged[0] + ".meta.json"); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	events := readLedger(t, root, "events.jsonl")
	if len(events) != 1 || !strings.Contains(events[0], "artifact_generated") {
		t.Fatalf("events = %v, want one artifact_generated", events)
	}
	if sum.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %+v", sum.Usage)
	}
}

func TestTransactionOnlyOnAcceptedApply(t *testing.T) {
	reply := `{"artifacts": [{"path": "a.txt", "content": "x"}]}`

	model := &fakeModel{replies: []string{reply}}
	o, root, _ := newTestOrchestrator(t, model, &fakeRunner{}, &fakeApplier{accept: false})
	rejected, err := o.Run(context.Background(), orchestrator.Options{Instruction: "rejected"})
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Reason != domain.ReasonAborted {
		t.Fatalf("declined review reason = %s, want aborted", rejected.Reason)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "ledger", "audit_log.jsonl")); len(data) != 0 {
		t.Fatalf("rejected run wrote a transaction: %q", data)
	}

	model = &fakeModel{replies: []string{reply}}
	o, root, _ = newTestOrchestrator(t, model, &fakeRunner{}, &fakeApplier{accept: true, committed: true})
	sum, err := o.Run(context.Background(), orchestrator.Options{Instruction: "accepted"})
	if err != nil {
		t.Fatal(err)
	}
	txs := readLedger(t, root, "audit_log.jsonl")
	if len(txs) != 1 {
		t.Fatalf("transactions = %v, want exactly one", txs)
	}
	if !strings.Contains(txs[0], `"user_instruction":"accepted"`) {
		t.Fatalf("transaction missing instruction: %s", txs[0])
	}
	if !strings.Contains(txs[0], sum.LastStepID) {
		t.Fatalf("transaction missing step id %s: %s", sum.LastStepID, txs[0])
	}
}

func TestTransactionWithheldWhenCommitFails(t *testing.T) {
	reply := `{"artifacts": [{"path": "a.txt", "content": "x"}]}`
	model := &fakeModel{replies: []string{reply}}
	o, root, _ := newTestOrchestrator(t, model, &fakeRunner{}, &fakeApplier{accept: true, committed: false})

	sum, err := o.Run(context.Background(), orchestrator.Options{Instruction: "apply it"})
	if err != nil {
		t.Fatal(err)
	}
	// Files reached the tree but the git phase did not go through.
	if len(sum.Applied) != 1 {
		t.Fatalf("applied = %v", sum.Applied)
	}
	if data, _ := os.ReadFile(filepath.Join(root, "ledger", "audit_log.jsonl")); len(data) != 0 {
		t.Fatalf("transaction recorded despite failed commit: %q", data)
	}
}

func TestManifestWrittenEvenWithoutArtifacts(t *testing.T) {
	model := &fakeModel{replies: []string{`{"message": "nothing to write"}`}}
	o, root, console := newTestOrchestrator(t, model, &fakeRunner{}, nil)

	if _, err := o.Run(context.Background(), orchestrator.Options{Instruction: "just talk"}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "manifests", "session_2024-03-01_manifest.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("manifest missing for an artifact-less run: %v", err)
	}
	if !strings.Contains(string(data), `"artifacts": []`) {
		t.Fatalf("manifest not empty: %s", data)
	}
	noted := false
	for _, line := range console.lines {
		if strings.Contains(line, "Manifest written") {
			noted = true
		}
	}
	if !noted {
		t.Fatal("manifest write not announced")
	}
}

func TestModelFailureStillOffersReview(t *testing.T) {
	model := &fakeModel{
		replies: []string{`{"artifacts": [{"path": "half.txt", "content": "partial"}], "next_action": {"type": "exec_and_chain", "target": "go.py", "continuation": "next"}}`},
		errOn:   2,
		err:     errors.New("connection reset"),
	}
	runner := &fakeRunner{result: sandbox.Result{ExitCode: 0}}
	applier := &fakeApplier{accept: true, committed: true}
	o, root, _ := newTestOrchestrator(t, model, runner, applier)

	sum, err := o.Run(context.Background(), orchestrator.Options{Instruction: "risky"})
	if err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("err = %v", err)
	}
	if sum.Reason != domain.ReasonError {
		t.Fatalf("reason = %s, want error", sum.Reason)
	}
	// The first turn's artifact was still offered for review and applied.
	if len(applier.seen) != 1 {
		t.Fatalf("review saw %v, want the staged artifact", applier.seen)
	}
	if len(sum.Applied) != 1 {
		t.Fatalf("applied = %v", sum.Applied)
	}
	// A failed sequence is never terminal success.
	if data, _ := os.ReadFile(filepath.Join(root, "ledger", "audit_log.jsonl")); len(data) != 0 {
		t.Fatalf("transaction recorded for a failed sequence: %q", data)
	}
	// The manifest still covers what was staged.
	manifest, err := os.ReadFile(filepath.Join(root, "manifests", "session_2024-03-01_manifest.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(manifest), "half.txt") {
		t.Fatalf("manifest misses staged artifact: %s", manifest)
	}
}

func TestBlockedExecutionFeedsSyntheticOutput(t *testing.T) {
	model := &fakeModel{replies: []string{
		chainReply("../evil.py", "carry on"),
		`{"message": "understood"}`,
	}}
	violation := &sandbox.ViolationError{Path: "../evil.py", Reason: "path is outside the scripts root"}
	runner := &fakeRunner{err: violation}
	o, root, _ := newTestOrchestrator(t, model, runner, nil)

	sum, err := o.Run(context.Background(), orchestrator.Options{Instruction: "try it", MaxLoops: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The blocked request still consumed a turn.
	if len(model.prompts) != 2 {
		t.Fatalf("model calls = %d, want 2", len(model.prompts))
	}
	second := model.prompts[1]
	if !strings.Contains(second, "[RETURN_CODE] 1") {
		t.Fatalf("synthetic return code missing: %q", second)
	}
	if !strings.Contains(second, "outside the scripts root") {
		t.Fatalf("violation not surfaced in stderr: %q", second)
	}
	if !strings.HasSuffix(second, "carry on") {
		t.Fatalf("continuation not appended: %q", second)
	}
	if sum.Reason != domain.ReasonModelStopped {
		t.Fatalf("reason = %s", sum.Reason)
	}
	events := readLedger(t, root, "events.jsonl")
	if len(events) != 1 || !strings.Contains(events[0], "exec_blocked") {
		t.Fatalf("events = %v, want one exec_blocked", events)
	}
}

func TestChainPromptShape(t *testing.T) {
	model := &fakeModel{replies: []string{
		chainReply("check.py", "now summarize"),
		`{"message": "all good"}`,
	}}
	runner := &fakeRunner{result: sandbox.Result{ExitCode: 0, Stdout: "42\n", Stderr: ""}}
	o, root, _ := newTestOrchestrator(t, model, runner, nil)

	if _, err := o.Run(context.Background(), orchestrator.Options{Instruction: "count"}); err != nil {
		t.Fatal(err)
	}
	want := "System Output:\n[STDOUT]\n42\n\n[STDERR]\n\n[RETURN_CODE] 0\n\nnow summarize"
	if model.prompts[1] != want {
		t.Fatalf("chained prompt:\n%q\nwant:\n%q", model.prompts[1], want)
	}
	events := readLedger(t, root, "events.jsonl")
	if len(events) != 1 || !strings.Contains(events[0], "rebound_exec") {
		t.Fatalf("events = %v, want one rebound_exec", events)
	}
}
