package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/pkgforge/internal/build"
	"github.com/lucasnoah/pkgforge/internal/config"
	"github.com/lucasnoah/pkgforge/internal/iterate"
	"github.com/lucasnoah/pkgforge/internal/prompt"
	"github.com/lucasnoah/pkgforge/internal/session"
	"github.com/lucasnoah/pkgforge/internal/store"
)

// StoppedError is returned when a session ended without a working
// manifest. The outcome has already been printed.
type StoppedError struct {
	Project string
	Reason  string
}

func (e *StoppedError) Error() string {
	return fmt.Sprintf("%s: stopped: %s", e.Project, iterate.StopReason(e.Reason).Describe())
}

var runCmd = &cobra.Command{
	Use:   "run <project>",
	Short: "Package one project",
	Long: `Writes an initial manifest from --template (or starts from --initial),
then builds and repairs it until it builds or a budget runs out. A working
manifest is refined afterwards unless --no-refine is given.

Exits non-zero when the session stopped without a working manifest; the last
accepted candidate, the last error kind and the stop reason are printed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		if noRefine, _ := cmd.Flags().GetBool("no-refine"); noRefine {
			cfg.Refine.Disabled = true
		}
		target, err := targetFromFlags(cmd, args[0])
		if err != nil {
			return err
		}

		deps, cleanup, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := session.New(deps)
		if err != nil {
			return err
		}
		s.SetProgress(cmd.ErrOrStderr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, err := s.Run(ctx, target)
		if out != nil {
			printOutcome(cmd.OutOrStdout(), out)
			if dir, _ := cmd.Flags().GetString("out"); dir != "" && out.Manifest != "" {
				path := filepath.Join(dir, cfg.Build.ManifestFile)
				if werr := store.WriteManifest(path, out.Manifest); werr != nil {
					return fmt.Errorf("write manifest: %w", werr)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			}
		}
		if err != nil {
			return err
		}
		if out.Status != session.StatusSucceeded {
			return &StoppedError{Project: out.Project, Reason: out.Reason}
		}
		return nil
	},
}

func targetFromFlags(cmd *cobra.Command, project string) (session.Target, error) {
	t := session.Target{Project: project}
	t.URL, _ = cmd.Flags().GetString("url")
	t.Subject, _ = cmd.Flags().GetString("subject")

	var err error
	templatePath, _ := cmd.Flags().GetString("template")
	if t.Template, err = readOptional(templatePath); err != nil {
		return t, err
	}
	infoPath, _ := cmd.Flags().GetString("project-info")
	if t.ProjectInfo, err = readOptional(infoPath); err != nil {
		return t, err
	}
	initialPath, _ := cmd.Flags().GetString("initial")
	if t.Initial, err = readOptional(initialPath); err != nil {
		return t, err
	}
	if t.Template == "" && t.Initial == "" {
		return t, fmt.Errorf("one of --template or --initial is required")
	}
	return t, nil
}

func readOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

// openDeps builds the collaborators shared by every session of one
// command invocation.
func openDeps(cfg *config.Config) (session.Deps, func(), error) {
	log := logger()
	backend, closeBackend, err := session.NewBackend(cfg, log)
	if err != nil {
		return session.Deps{}, nil, err
	}
	database, st, err := session.OpenStorage(cfg)
	if err != nil {
		closeBackend()
		return session.Deps{}, nil, err
	}
	deps := session.Deps{
		Config:  cfg,
		Backend: backend,
		Runner:  &build.ExecRunner{},
		Sandbox: &build.TempSandbox{BaseDir: cfg.Build.WorkDir},
		Prompts: prompt.NewLibrary(cfg.Prompts.Dir),
		DB:      database,
		Store:   st,
		Metrics: app.metrics,
		Logger:  log,
	}
	cleanup := func() {
		if err := database.Close(); err != nil {
			log.Warn("close database", "error", err)
		}
		if err := closeBackend(); err != nil {
			log.Warn("close response cache", "error", err)
		}
	}
	return deps, cleanup, nil
}

func printOutcome(w io.Writer, out *session.Outcome) {
	var header string
	switch out.Status {
	case session.StatusSucceeded:
		header = paint(w, styleSuccess, "SUCCEEDED")
	case session.StatusStopped:
		header = paint(w, styleError, "STOPPED")
	default:
		header = paint(w, styleError, "FAILED")
	}
	fmt.Fprintf(w, "%s %s (session %s)\n", header, out.Project, short(out.SessionID))
	fmt.Fprintf(w, "  version:  v%d after %d build rounds\n", out.FinalVersion, out.Rounds)
	if out.Status == session.StatusSucceeded && out.RefineReason != "" {
		fmt.Fprintf(w, "  refined:  %d rounds, ended with %s\n", out.RefineRounds, out.RefineReason)
	}
	if out.Status != session.StatusSucceeded {
		if out.Reason != "" {
			fmt.Fprintf(w, "  reason:   %s\n", paint(w, styleWarning, iterate.StopReason(out.Reason).Describe()))
		}
		if out.LastErrorKind != "" {
			fmt.Fprintf(w, "  last error: %s\n", out.LastErrorKind)
		}
		if out.FailureCause != "" {
			fmt.Fprintf(w, "  cause:    %s\n", out.FailureCause)
		}
		if out.Error != "" {
			fmt.Fprintf(w, "  error:    %s\n", out.Error)
		}
	}
	fmt.Fprintf(w, "  usage:    %d tokens, $%.4f, %s\n", out.Usage.Tokens(), out.Usage.CostUSD, out.Duration.Round(time.Second))
	if out.ManifestPath != "" {
		fmt.Fprintf(w, "  manifest: %s\n", out.ManifestPath)
	}
	if out.Status != session.StatusSucceeded && out.Manifest != "" {
		fmt.Fprintln(w, paint(w, styleTitle, "Last accepted candidate:"))
		fmt.Fprintln(w, paint(w, styleBox, strings.TrimRight(out.Manifest, "\n")))
		if out.BuildLog != "" {
			fmt.Fprintln(w, paint(w, styleTitle, "Build log (tail):"))
			fmt.Fprintln(w, paint(w, styleMuted, tailLines(out.BuildLog, 20)))
		}
		if out.FailureAnalysis != "" {
			fmt.Fprintln(w, paint(w, styleTitle, "Analysis:"))
			fmt.Fprintln(w, out.FailureAnalysis)
		}
	}
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func init() {
	runCmd.Flags().String("template", "", "starting manifest template the set-up step fills in")
	runCmd.Flags().String("initial", "", "manifest to build as version 1, skipping set-up")
	runCmd.Flags().String("project-info", "", "file with project information for the set-up prompt")
	runCmd.Flags().String("url", "", "project homepage or source URL")
	runCmd.Flags().String("subject", "", "package name as it appears in build logs (defaults to <project>)")
	runCmd.Flags().String("out", "", "also write the final manifest into this directory")
	runCmd.Flags().Bool("no-refine", false, "skip refinement of a working manifest")
}
