// Package sink materializes model-requested artifacts inside a per-turn
// quarantine directory. Nothing it writes ever lands in the working tree;
// the review/apply stage decides what leaves quarantine.
package sink

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"albert/internal/domain"
	"albert/internal/ledger"
)

const traceFileName = "raw_response_trace"

// Reporter receives user-visible diagnostics. The console satisfies it.
type Reporter interface {
	Print(msg string)
	Error(msg string)
}

// Sink writes artifacts under <root>/artifacts/<step_id>/ and tracks every
// written path for the session manifest.
type Sink struct {
	Root   string // project root, absolute
	Ledger *ledger.Ledger
	Out    Reporter
	Now    func() time.Time

	mu      sync.Mutex
	session []string // project-root-relative paths written this session
}

// New returns a sink rooted at the given project root.
func New(root string, l *ledger.Ledger, out Reporter) *Sink {
	return &Sink{Root: root, Ledger: l, Out: out, Now: time.Now}
}

func (s *Sink) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// QuarantineDir returns the staging directory for a step.
func (s *Sink) QuarantineDir(stepID string) string {
	return filepath.Join(s.Root, "artifacts", stepID)
}

// ApplyResult is the outcome of staging one turn's records.
type ApplyResult struct {
	Paths []string // resolved quarantine paths, in write order
	Next  *domain.NextAction
}

// Apply stages every artifact in the records into the step's quarantine
// directory and returns the written paths plus the first next-action, if any.
// Individual failures (unsafe path, I/O error) skip that artifact and never
// abort the batch.
func (s *Sink) Apply(stepID, rawText string, records []domain.Record) ApplyResult {
	var res ApplyResult

	dir := s.QuarantineDir(stepID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.Out.Error(fmt.Sprintf("cannot create quarantine directory %s: %v", dir, err))
		return res
	}
	// The raw reply is always traced, even when nothing parsed out of it.
	if err := os.WriteFile(filepath.Join(dir, traceFileName), []byte(rawText), 0o644); err != nil {
		s.Out.Error(fmt.Sprintf("cannot write raw trace for %s: %v", stepID, err))
	}

	for _, rec := range records {
		for _, spec := range rec.Artifacts {
			if path, ok := s.writeArtifact(dir, spec); ok {
				res.Paths = append(res.Paths, path)
			}
		}
		if rec.Next != nil {
			if res.Next == nil {
				res.Next = rec.Next
			} else {
				s.Out.Print(fmt.Sprintf("ignored duplicate next_action (target %s); first one wins", rec.Next.Target))
			}
		}
	}
	return res
}

// writeArtifact stages one spec and reports success. The containment check
// runs on the cleaned joined path: whatever the model requested, the result
// must stay a descendant of the quarantine directory.
func (s *Sink) writeArtifact(quarantine string, spec domain.ArtifactSpec) (string, bool) {
	if spec.Path == "" {
		return "", false
	}
	resolved, err := containedJoin(quarantine, spec.Path)
	if err != nil {
		s.Out.Error(fmt.Sprintf("SECURITY: blocked artifact path escaping quarantine: %s", spec.Path))
		return "", false
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		s.Out.Error(fmt.Sprintf("cannot create parent directories for %s: %v", spec.Path, err))
		return "", false
	}
	if err := os.WriteFile(resolved, []byte(spec.Content), 0o644); err != nil {
		s.Out.Error(fmt.Sprintf("cannot write artifact %s: %v", spec.Path, err))
		return "", false
	}

	rel := s.rootRelative(resolved)
	s.writeSidecar(resolved, spec, rel)
	if _, err := s.Ledger.AppendEvent(domain.ActorModel, domain.ActionArtifactGenerated, "", []string{rel}); err != nil {
		s.Out.Error(fmt.Sprintf("ledger append failed for %s: %v", rel, err))
	}

	s.mu.Lock()
	s.session = append(s.session, rel)
	s.mu.Unlock()

	s.Out.Print(fmt.Sprintf("Artifact staged: %s", spec.Path))
	return resolved, true
}

// sidecar metadata keeps the untrusted requested path next to where the file
// actually landed.
type sidecar struct {
	RequestedPath string `json:"requested_path"`
	Operation     string `json:"operation"`
	ResolvedPath  string `json:"resolved_path"`
}

func (s *Sink) writeSidecar(resolved string, spec domain.ArtifactSpec, rel string) {
	meta := sidecar{
		RequestedPath: spec.Path,
		Operation:     spec.Operation,
		ResolvedPath:  rel,
	}
	if meta.Operation == "" {
		meta.Operation = "create"
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(resolved+".meta.json", data, 0o644); err != nil {
		s.Out.Error(fmt.Sprintf("cannot write sidecar for %s: %v", rel, err))
	}
}

// SessionArtifacts returns a copy of the paths written since the last
// manifest.
func (s *Sink) SessionArtifacts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.session))
	copy(out, s.session)
	return out
}

// WriteManifest hashes every still-existing session artifact into
// manifests/session_<id>_manifest.json and clears the session list. The list
// is cleared even when the write fails, so a later call cannot duplicate
// entries.
func (s *Sink) WriteManifest(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = "unknown"
	}

	s.mu.Lock()
	tracked := s.session
	s.session = nil
	s.mu.Unlock()

	manifest := domain.Manifest{
		SessionID: sessionID,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Artifacts: []domain.ManifestEntry{},
	}
	seen := map[string]bool{}
	for _, rel := range tracked {
		if rel == "" || seen[rel] {
			continue
		}
		seen[rel] = true
		path := filepath.Join(s.Root, rel)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue // vanished files are skipped, not errors
		}
		sum, err := hashFile(path)
		if err != nil {
			s.Out.Error(fmt.Sprintf("manifest hashing failed for %s: %v", rel, err))
			continue
		}
		manifest.Artifacts = append(manifest.Artifacts, domain.ManifestEntry{Path: rel, SHA256: sum})
	}

	dir := filepath.Join(s.Root, "manifests")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifests dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session_%s_manifest.json", sessionID))
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return s.rootRelative(path), nil
}

func (s *Sink) rootRelative(path string) string {
	rel, err := filepath.Rel(s.Root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

// containedJoin joins base and an untrusted relative path, rejecting any
// result that escapes base after cleaning.
func containedJoin(base, untrusted string) (string, error) {
	if filepath.IsAbs(untrusted) {
		return "", fmt.Errorf("absolute path")
	}
	joined := filepath.Clean(filepath.Join(base, untrusted))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base")
	}
	if joined == base {
		return "", fmt.Errorf("path resolves to the quarantine directory itself")
	}
	return joined, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
