// Package review is the human gate between quarantine and the working tree.
// It renders a colored line diff for every staged artifact, asks once, and on
// acceptance copies all of them to their requested locations. The answer is
// all-or-nothing; partial application would leave the tree in a state no one
// reviewed.
package review

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	addStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	delStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	headerStyle = lipgloss.NewStyle().Bold(true)
)

// Console is the slice of the terminal the reviewer needs.
type Console interface {
	Print(msg string)
	Error(msg string)
	Input(prompt string) (string, error)
}

// Staged is one quarantined artifact and where it wants to go.
type Staged struct {
	QuarantinePath string // absolute path inside artifacts/<step_id>/
	TargetRel      string // requested path, relative to the project root
	Operation      string
}

// Outcome reports what the review decided.
type Outcome struct {
	Accepted bool
	Applied  []string // root-relative paths written to the working tree
}

// Reviewer drives the interactive accept/reject flow.
type Reviewer struct {
	Root    string
	Console Console
}

// New returns a reviewer rooted at the project root.
func New(root string, console Console) *Reviewer {
	return &Reviewer{Root: root, Console: console}
}

// Load reads the sidecar of each staged path to recover the requested target.
// Files without a sidecar are skipped with a diagnostic; they cannot be
// applied anywhere.
func (r *Reviewer) Load(stagedPaths []string) []Staged {
	var out []Staged
	for _, path := range stagedPaths {
		meta, err := readSidecar(path + ".meta.json")
		if err != nil {
			r.Console.Error(fmt.Sprintf("no sidecar for %s; skipping from review: %v", path, err))
			continue
		}
		if meta.RequestedPath == "" || filepath.IsAbs(meta.RequestedPath) {
			r.Console.Error(fmt.Sprintf("unusable target path %q for %s; skipping", meta.RequestedPath, path))
			continue
		}
		out = append(out, Staged{
			QuarantinePath: path,
			TargetRel:      filepath.Clean(meta.RequestedPath),
			Operation:      meta.Operation,
		})
	}
	return out
}

// ReviewAndApply walks the staged files one diff at a time, asking for a
// verdict after each. Acceptance is atomic: a single "n" or "abort" rejects
// the whole batch, so the tree only ever receives a fully reviewed set. A
// failed write aborts mid-apply and reports the paths already written.
func (r *Reviewer) ReviewAndApply(staged []Staged) (Outcome, error) {
	if len(staged) == 0 {
		return Outcome{}, nil
	}

	for _, s := range staged {
		r.showDiff(s)
		answer, err := r.Console.Input(fmt.Sprintf("Apply %s? [y/n/abort] ", s.TargetRel))
		if err != nil {
			return Outcome{}, fmt.Errorf("read verdict: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
		case "abort":
			r.Console.Print("Review aborted; artifacts remain in quarantine.")
			return Outcome{}, nil
		default:
			r.Console.Print("Change declined; nothing will be applied.")
			return Outcome{}, nil
		}
	}

	out := Outcome{Accepted: true}
	for _, s := range staged {
		target := filepath.Join(r.Root, s.TargetRel)
		if !strings.HasPrefix(filepath.Clean(target), filepath.Clean(r.Root)+string(filepath.Separator)) {
			r.Console.Error(fmt.Sprintf("SECURITY: refusing to apply outside the project root: %s", s.TargetRel))
			continue
		}
		data, err := os.ReadFile(s.QuarantinePath)
		if err != nil {
			return out, fmt.Errorf("read staged %s: %w", s.QuarantinePath, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return out, fmt.Errorf("prepare %s: %w", s.TargetRel, err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return out, fmt.Errorf("apply %s: %w", s.TargetRel, err)
		}
		out.Applied = append(out.Applied, filepath.ToSlash(s.TargetRel))
		r.Console.Print(fmt.Sprintf("Applied: %s", s.TargetRel))
	}
	return out, nil
}

// showDiff renders the line diff between the current file (empty when new)
// and the staged content.
func (r *Reviewer) showDiff(s Staged) {
	staged, err := os.ReadFile(s.QuarantinePath)
	if err != nil {
		r.Console.Error(fmt.Sprintf("cannot read staged %s: %v", s.QuarantinePath, err))
		return
	}
	current, err := os.ReadFile(filepath.Join(r.Root, s.TargetRel))
	if err != nil {
		current = nil // new file
	}

	label := s.TargetRel
	if s.Operation != "" {
		label += " (" + s.Operation + ")"
	}
	r.Console.Print(headerStyle.Render("--- " + label + " ---"))

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(current), string(staged))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		for _, line := range splitKeepNonEmpty(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				r.Console.Print(addStyle.Render("+ " + line))
			case diffmatchpatch.DiffDelete:
				r.Console.Print(delStyle.Render("- " + line))
			default:
				r.Console.Print("  " + line)
			}
		}
	}
}

func splitKeepNonEmpty(text string) []string {
	parts := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(parts) == 1 && parts[0] == "" {
		return nil
	}
	return parts
}

type sidecarMeta struct {
	RequestedPath string `json:"requested_path"`
	Operation     string `json:"operation"`
	ResolvedPath  string `json:"resolved_path"`
}

func readSidecar(path string) (sidecarMeta, error) {
	var meta sidecarMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode sidecar: %w", err)
	}
	return meta, nil
}
