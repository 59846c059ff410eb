package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"albert/internal/backend"
	"albert/internal/config"
	"albert/internal/console"
	"albert/internal/contextpack"
	"albert/internal/domain"
	"albert/internal/gitops"
	"albert/internal/ledger"
	"albert/internal/logs"
	"albert/internal/orchestrator"
	"albert/internal/review"
	"albert/internal/sandbox"
	"albert/internal/sink"
	"albert/internal/syscmd"
)

const systemPromptTemplate = `You are the engineering assistant for the project "%s".
Reply only with JSON objects. Each object may carry any of these fields:
  "thought_process": your private reasoning (logged, not shown),
  "message": text for the operator,
  "artifacts": [{"path": "relative/path", "content": "...", "operation": "create|update"}],
  "next_action": {"type": "exec_and_chain", "target": "script.py", "args": [], "continuation": "prompt for your next turn"}.
Artifact paths must be relative; they are staged for review, never written directly.
A next_action runs one approved script from the scripts directory and feeds you its
output before your continuation. You have a hard budget of %d turns per instruction.

Project context follows.

%s`

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Albert CLI",
	Long: `Albert sends project-aware instructions to a model and supervises the result.
Everything the model produces is quarantined, ledgered, and reviewed before it
touches the working tree; scripts the model asks to run go through a sandbox
with an allow-listed root and a hard timeout.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("ALBERT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("project-root", "C", ".", "project root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on stderr")
	_ = viper.BindPFlag("project-root", rootCmd.PersistentFlags().Lookup("project-root"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(manifestCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(sysCmd())
}

func projectRoot() (string, error) {
	root, err := filepath.Abs(viper.GetString("project-root"))
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	return root, nil
}

func initCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default albert.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			path := config.Path(root)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "project", "project name")
	return cmd
}

func runCmd() *cobra.Command {
	var message, scope string
	var attachments []string
	cmd := &cobra.Command{
		Use:   "run [instruction...]",
		Short: "Send one instruction through the supervised loop",
		Long: `The instruction comes from -m, from positional arguments, or from $EDITOR
when neither is given. Model output is parsed, artifacts are quarantined under
artifacts/<step_id>/, requested script runs go through the sandbox, and staged
changes are applied only after interactive review.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			instruction := strings.TrimSpace(message)
			if instruction == "" && len(args) > 0 {
				instruction = strings.TrimSpace(strings.Join(args, " "))
			}
			if instruction == "" {
				instruction, err = captureEditor()
				if err != nil {
					return err
				}
			}
			if instruction == "" {
				return fmt.Errorf("no instruction given")
			}

			level := slog.LevelInfo
			if viper.GetBool("verbose") {
				level = slog.LevelDebug
			}
			logger, closeLog, err := logs.New(root, level, time.Now)
			if err != nil {
				return err
			}
			defer closeLog()

			term, err := console.Open(root, time.Now)
			if err != nil {
				return err
			}
			l, err := ledger.Open(root)
			if err != nil {
				return err
			}
			key, err := backend.LoadAPIKey(root, cfg.Model.KeyFile)
			if err != nil {
				return err
			}

			packed, included, err := contextpack.New(root, cfg).Build(scope)
			if err != nil {
				return err
			}
			attached, err := contextpack.ReadAttachments(attachments)
			if err != nil {
				return err
			}
			logger.Debug("context packed", "scope", scope, "files", len(included))
			systemPrompt := fmt.Sprintf(systemPromptTemplate, cfg.Project.Name, cfg.Loop.MaxLoops, packed+attached)

			client := &backend.Client{
				BaseURL:     cfg.Model.BaseURL,
				ModelName:   cfg.Model.Name,
				APIKey:      key,
				Temperature: cfg.Model.Temperature,
				ProjectRoot: root,
				Ledger:      l,
				Log:         logger,
			}
			runner := sandbox.NewRunner(root, cfg.Sandbox.ScriptsDir,
				cfg.Sandbox.Interpreter, cfg.Sandbox.Extension,
				time.Duration(cfg.Loop.ScriptTimeoutSeconds)*time.Second)
			artifactSink := sink.New(root, l, term)

			orch := &orchestrator.Orchestrator{
				Model:   client,
				Sink:    artifactSink,
				Runner:  runner,
				Ledger:  l,
				Console: term,
				Applier: &gateApplier{
					reviewer: review.New(root, term),
					git:      gitops.New(root),
					console:  term,
					message:  instruction,
				},
				Log: logger,
			}

			sum, runErr := orch.Run(cmd.Context(), orchestrator.Options{
				Instruction:  instruction,
				SystemPrompt: systemPrompt,
				MaxLoops:     cfg.Loop.MaxLoops,
			})

			_, _, total := cfg.Pricing.Cost(sum.Usage)
			term.Success(fmt.Sprintf("Done (%s): %d turn(s), %d tokens, est. $%.4f",
				sum.Reason, sum.Loops, sum.Usage.TotalTokens, total))
			return runErr
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "instruction text")
	cmd.Flags().StringVar(&scope, "scope", "minimal", "context scope (full, code, specs, minimal)")
	cmd.Flags().StringArrayVarP(&attachments, "file", "f", nil, "attach a file to the context (repeatable)")
	return cmd
}

// gateApplier chains review, apply, and the git phase. Git failures do not
// roll back applied files, but they do withhold the Committed flag, which is
// what the orchestrator gates the transaction on. The one soft success is
// "nothing to commit".
type gateApplier struct {
	reviewer *review.Reviewer
	git      *gitops.Git
	console  *console.Console
	message  string
}

func (g *gateApplier) ReviewAndApply(stagedPaths []string) (orchestrator.ApplyOutcome, error) {
	staged := g.reviewer.Load(stagedPaths)
	outcome, err := g.reviewer.ReviewAndApply(staged)
	res := orchestrator.ApplyOutcome{Accepted: outcome.Accepted, Applied: outcome.Applied}
	if err != nil || !outcome.Accepted {
		return res, err
	}
	if len(outcome.Applied) == 0 {
		res.Committed = true
		return res, nil
	}
	ctx := context.Background()
	if !g.git.IsRepo(ctx) {
		g.console.Notice("Not a git repository; applied changes were not committed.")
		return res, nil
	}
	if err := g.git.Add(ctx, outcome.Applied...); err != nil {
		g.console.Error(err.Error())
		return res, nil
	}
	committed, err := g.git.Commit(ctx, "albert: "+firstLine(g.message))
	switch {
	case err != nil:
		g.console.Error(err.Error())
	case !committed:
		res.Committed = true
	default:
		if err := g.git.Push(ctx); err != nil {
			g.console.Error(err.Error())
		} else {
			g.console.Success("Committed and pushed applied changes.")
			res.Committed = true
		}
	}
	return res, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 72 {
		s = s[:72]
	}
	return strings.TrimSpace(s)
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [all|today|session]",
		Short: "Aggregate transaction cost from the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(root)
			if err != nil {
				return err
			}
			l, err := ledger.Open(root)
			if err != nil {
				return err
			}
			timeframe := "all"
			if len(args) == 1 {
				timeframe = args[0]
			}
			rep := l.Report(timeframe, cfg.Pricing)
			if viper.GetBool("json") {
				return printJSON(rep)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Metric", "Value"})
			tw.AppendRows([]table.Row{
				{"Timeframe", rep.Timeframe},
				{"Requests", rep.TotalRequests},
				{"Input tokens", rep.TotalInputTokens},
				{"Output tokens", rep.TotalOutputTokens},
				{"Estimated cost (USD)", fmt.Sprintf("%.4f", rep.EstimatedCostUSD)},
			})
			tw.Render()
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project, quarantine, and git state",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(root)
			if err != nil {
				return err
			}
			steps := countDirs(filepath.Join(root, "artifacts"))
			out := map[string]any{
				"project":          cfg.Project.Name,
				"model":            cfg.Model.Name,
				"quarantine_steps": steps,
			}
			git := gitops.New(root)
			gitSummary := "not a git repository"
			if git.IsRepo(cmd.Context()) {
				if s, err := git.StatusSummary(cmd.Context()); err == nil {
					gitSummary = strings.TrimRight(s, "\n")
				}
			}
			out["git"] = gitSummary
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Project: %s (model %s)\n", cfg.Project.Name, cfg.Model.Name)
			fmt.Printf("Quarantined steps: %d\n", steps)
			fmt.Println(gitSummary)
			return nil
		},
	}
	return cmd
}

func manifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest <step_id>",
		Short: "Hash one step's quarantined artifacts into a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			stepID := args[0]
			dir := filepath.Join(root, "artifacts", stepID)
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("no quarantine directory for %s", stepID)
			}

			manifest := domain.Manifest{
				SessionID: stepID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Artifacts: []domain.ManifestEntry{},
			}
			err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
				if err != nil || d.IsDir() || strings.HasSuffix(path, ".meta.json") {
					return err
				}
				sum, err := hashFile(path)
				if err != nil {
					return err
				}
				rel, _ := filepath.Rel(root, path)
				manifest.Artifacts = append(manifest.Artifacts, domain.ManifestEntry{
					Path: filepath.ToSlash(rel), SHA256: sum,
				})
				return nil
			})
			if err != nil {
				return err
			}

			outDir := filepath.Join(root, "manifests")
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			path := filepath.Join(outDir, fmt.Sprintf("session_%s_manifest.json", stepID))
			data, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(manifest)
			}
			fmt.Printf("Wrote %s (%d artifact(s))\n", path, len(manifest.Artifacts))
			return nil
		},
	}
	return cmd
}

func execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <script> [args...]",
		Short: "Run one sandboxed script directly",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			cfg, err := config.LoadOptional(root)
			if err != nil {
				return err
			}
			l, err := ledger.Open(root)
			if err != nil {
				return err
			}
			runner := sandbox.NewRunner(root, cfg.Sandbox.ScriptsDir,
				cfg.Sandbox.Interpreter, cfg.Sandbox.Extension,
				time.Duration(cfg.Loop.ScriptTimeoutSeconds)*time.Second)

			res, err := runner.Run(cmd.Context(), args[0], args[1:])
			if err != nil {
				if _, lerr := l.AppendEvent(domain.ActorUser, domain.ActionExecBlocked, err.Error(), nil); lerr != nil {
					fmt.Fprintln(os.Stderr, "ledger append failed:", lerr)
				}
				return err
			}
			if _, lerr := l.AppendEvent(domain.ActorUser, domain.ActionReboundExec, args[0], nil); lerr != nil {
				fmt.Fprintln(os.Stderr, "ledger append failed:", lerr)
			}
			fmt.Print(res.Stdout)
			if res.Stderr != "" {
				fmt.Fprint(os.Stderr, res.Stderr)
			}
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	return cmd
}

func sysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sys <command> [args...]",
		Short: "Run an allow-listed inspection command in the project root",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			res, err := syscmd.Run(cmd.Context(), root, args)
			if err != nil {
				return err
			}
			fmt.Print(res.Output)
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}
	return cmd
}

// --- helpers ---

// captureEditor opens $EDITOR on a temp file and returns its trimmed content.
func captureEditor() (string, error) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		return "", fmt.Errorf("no instruction given and $EDITOR is not set")
	}
	f, err := os.CreateTemp("", "albert-instruction-*.md")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()
	defer os.Remove(path)

	ed := exec.Command(editor, path)
	ed.Stdin = os.Stdin
	ed.Stdout = os.Stdout
	ed.Stderr = os.Stderr
	if err := ed.Run(); err != nil {
		return "", fmt.Errorf("editor failed: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func countDirs(path string) int {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
