// Package ledger is the append-only, two-stream durability log: events.jsonl
// for per-action audit events and audit_log.jsonl for cost-bearing
// transactions. Writes are open-append-close with no file locking; the tool
// assumes a single active session per project root.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"albert/internal/domain"
)

const (
	eventsFileName       = "events.jsonl"
	transactionsFileName = "audit_log.jsonl"
)

// Ledger appends immutable records under <root>/ledger/.
type Ledger struct {
	Dir string
	Now func() time.Time
}

// Open ensures the ledger directory and files exist under the project root.
func Open(projectRoot string) (*Ledger, error) {
	dir := filepath.Join(projectRoot, "ledger")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	l := &Ledger{Dir: dir, Now: time.Now}
	for _, name := range []string{eventsFileName, transactionsFileName} {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("ensure %s: %w", name, err)
		}
		f.Close()
	}
	return l, nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// EventsPath returns the events file path.
func (l *Ledger) EventsPath() string { return filepath.Join(l.Dir, eventsFileName) }

// TransactionsPath returns the transactions file path.
func (l *Ledger) TransactionsPath() string { return filepath.Join(l.Dir, transactionsFileName) }

// AppendEvent writes one immutable event line and returns its uuid.
func (l *Ledger) AppendEvent(actor, actionType string, payloadRef string, artifacts []string) (string, error) {
	ev := domain.LedgerEvent{
		EventUUID:    uuid.New().String(),
		TimestampUTC: l.now().UTC().Format(time.RFC3339),
		Actor:        actor,
		ActionType:   actionType,
		Artifacts:    artifacts,
	}
	if ev.Artifacts == nil {
		ev.Artifacts = []string{}
	}
	if payloadRef != "" {
		ev.PayloadRef = &payloadRef
	}
	if err := l.appendLine(l.EventsPath(), ev); err != nil {
		return "", err
	}
	return ev.EventUUID, nil
}

// AppendTransaction writes one transaction line and returns its uuid. Callers
// invoke this only when a run sequence reaches terminal success.
func (l *Ledger) AppendTransaction(sessionID, stepID, instruction string, usage domain.UsageStats, status string) (string, error) {
	tx := domain.Transaction{
		TransactionUUID: uuid.New().String(),
		TimestampUTC:    l.now().UTC().Format(time.RFC3339),
		SessionID:       sessionID,
		StepID:          stepID,
		UserInstruction: instruction,
		UsageStats:      usage,
		Status:          status,
	}
	if err := l.appendLine(l.TransactionsPath(), tx); err != nil {
		return "", err
	}
	return tx.TransactionUUID, nil
}

func (l *Ledger) appendLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// Report aggregates transaction usage for a timeframe ("all" or "today").
// Malformed lines are skipped, never fatal; a missing file yields zeros.
func (l *Ledger) Report(timeframe string, rates domain.PricingRates) domain.CostReport {
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	if tf != "today" && tf != "session" {
		tf = "all"
	}
	report := domain.CostReport{
		Timeframe:    tf,
		PricingRates: rates,
		LedgerFile:   l.TransactionsPath(),
	}

	f, err := os.Open(l.TransactionsPath())
	if err != nil {
		return report
	}
	defer f.Close()

	today := l.now().Format("2006-01-02")
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var tx domain.Transaction
		if err := json.Unmarshal([]byte(line), &tx); err != nil {
			continue
		}
		if tf != "all" && tx.SessionID != today {
			continue
		}
		report.TotalRequests++
		report.TotalInputTokens += tx.UsageStats.PromptTokens
		report.TotalOutputTokens += tx.UsageStats.CompletionTokens
	}

	_, _, total := rates.Cost(domain.UsageStats{
		PromptTokens:     report.TotalInputTokens,
		CompletionTokens: report.TotalOutputTokens,
	})
	report.EstimatedCostUSD = total
	return report
}
