// Package console mirrors everything shown to or typed by the operator into
// the session transcript, so the human-readable log is a complete record of
// the exchange, including the verbatim model output of every turn.
package console

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Console writes to the terminal and tees into the session transcript.
type Console struct {
	Out    io.Writer
	ErrOut io.Writer
	In     *bufio.Reader
	Now    func() time.Time

	transcriptPath string
}

// Open prepares the per-session transcript under
// <root>/sessions/<YYYY-MM-DD>/transcript.log.
func Open(projectRoot string, now func() time.Time) (*Console, error) {
	if now == nil {
		now = time.Now
	}
	day := now().Format("2006-01-02")
	dir := filepath.Join(projectRoot, "sessions", day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	c := &Console{
		Out:            os.Stdout,
		ErrOut:         os.Stderr,
		In:             bufio.NewReader(os.Stdin),
		Now:            now,
		transcriptPath: filepath.Join(dir, "transcript.log"),
	}
	if _, err := os.Stat(c.transcriptPath); os.IsNotExist(err) {
		header := fmt.Sprintf("=== SESSION STARTED: %s ===\n", day)
		if err := os.WriteFile(c.transcriptPath, []byte(header), 0o644); err != nil {
			return nil, fmt.Errorf("create transcript: %w", err)
		}
	}
	return c, nil
}

// TranscriptPath returns the transcript file location.
func (c *Console) TranscriptPath() string { return c.transcriptPath }

// Print shows a message and records it as wrapper output.
func (c *Console) Print(msg string) {
	fmt.Fprintln(c.Out, msg)
	c.appendTranscript("[WRAPPER] >> ", msg)
}

// Success shows a green confirmation line.
func (c *Console) Success(msg string) {
	fmt.Fprintln(c.Out, successStyle.Render(msg))
	c.appendTranscript("[WRAPPER] >> ", msg)
}

// Notice shows a yellow attention line.
func (c *Console) Notice(msg string) {
	fmt.Fprintln(c.Out, noticeStyle.Render(msg))
	c.appendTranscript("[WRAPPER] >> ", msg)
}

// Error shows a message on stderr and records it tagged as an error.
func (c *Console) Error(msg string) {
	fmt.Fprintln(c.ErrOut, errStyle.Render("ERROR: "+msg))
	c.appendTranscript("[ERROR]   !! ", msg)
}

// Model echoes a raw model reply verbatim into the transcript. Only a short
// confirmation reaches the screen; the full text lives in the transcript and
// the per-turn trace file.
func (c *Console) Model(stepID, raw string) {
	fmt.Fprintln(c.Out, noticeStyle.Render(fmt.Sprintf("-- model reply (%s): %d bytes --", stepID, len(raw))))
	c.appendTranscript("[MODEL]   << ", fmt.Sprintf("(%s)\n%s", stepID, raw))
}

// Input shows a prompt, reads one line, and records both sides.
func (c *Console) Input(prompt string) (string, error) {
	c.appendTranscript("[PROMPT]  >> ", prompt)
	fmt.Fprint(c.Out, prompt)
	line, err := c.In.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	c.appendTranscript("[USER]    << ", line)
	return line, nil
}

// appendTranscript never fails the caller; a broken transcript must not take
// down the session.
func (c *Console) appendTranscript(prefix, text string) {
	if c.transcriptPath == "" {
		return
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	stamp := now().Format("[15:04:05]")
	f, err := os.OpenFile(c.transcriptPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[LOG ERROR] %v\n", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s%s\n", stamp, prefix, text)
}
