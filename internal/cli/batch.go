package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/pkgforge/internal/session"
)

// targetsFile is the format of a batch file. Paths are relative to the
// file.
type targetsFile struct {
	Targets []targetEntry `yaml:"targets"`
}

type targetEntry struct {
	Project     string `yaml:"project"`
	URL         string `yaml:"url"`
	Subject     string `yaml:"subject"`
	Template    string `yaml:"template"`
	ProjectInfo string `yaml:"project_info"`
	Initial     string `yaml:"initial"`
}

func loadTargets(path string) ([]session.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	var f targetsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	if len(f.Targets) == 0 {
		return nil, fmt.Errorf("%s lists no targets", path)
	}
	base := filepath.Dir(path)
	resolve := func(p string) (string, error) {
		if p == "" {
			return "", nil
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		return readOptional(p)
	}

	targets := make([]session.Target, 0, len(f.Targets))
	seen := make(map[string]bool)
	for i, e := range f.Targets {
		if e.Project == "" {
			return nil, fmt.Errorf("target %d: project is required", i+1)
		}
		if seen[e.Project] {
			return nil, fmt.Errorf("target %d: duplicate project %q", i+1, e.Project)
		}
		seen[e.Project] = true
		t := session.Target{Project: e.Project, URL: e.URL, Subject: e.Subject}
		if t.Template, err = resolve(e.Template); err != nil {
			return nil, err
		}
		if t.ProjectInfo, err = resolve(e.ProjectInfo); err != nil {
			return nil, err
		}
		if t.Initial, err = resolve(e.Initial); err != nil {
			return nil, err
		}
		if t.Template == "" && t.Initial == "" {
			return nil, fmt.Errorf("target %q: template or initial is required", e.Project)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

var batchCmd = &cobra.Command{
	Use:   "batch <targets.yaml>",
	Short: "Package several projects in parallel",
	Long: `Runs one independent session per target. Sessions share the model
backend, the response cache and the session record, nothing else.

targets.yaml:
  targets:
    - project: hello
      template: templates/hello.nix
      project_info: info/hello.md`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		if noRefine, _ := cmd.Flags().GetBool("no-refine"); noRefine {
			cfg.Refine.Disabled = true
		}
		parallel, _ := cmd.Flags().GetInt("parallel")
		if parallel <= 0 {
			parallel = max(cfg.Batch.Parallel, 1)
		}
		targets, err := loadTargets(args[0])
		if err != nil {
			return err
		}

		deps, cleanup, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		outcomes := make([]*session.Outcome, len(targets))
		errs := make([]error, len(targets))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallel)
		for i, t := range targets {
			g.Go(func() error {
				outcomes[i], errs[i] = runOne(gctx, deps, t)
				if errs[i] != nil {
					logger().Error("session failed", "project", t.Project, "error", errs[i])
				}
				// one failing session does not cancel the others
				return nil
			})
		}
		_ = g.Wait()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tSTATUS\tREASON\tVERSION\tROUNDS\tCOST\tSESSION")
		failed := 0
		for i, t := range targets {
			out := outcomes[i]
			if out == nil {
				failed++
				fmt.Fprintf(w, "%s\t%s\t%v\t-\t-\t-\t-\n", t.Project, session.StatusFailed, errs[i])
				continue
			}
			if out.Status != session.StatusSucceeded {
				failed++
			}
			fmt.Fprintf(w, "%s\t%s\t%s\tv%d\t%d\t$%.4f\t%s\n",
				out.Project, out.Status, out.Reason, out.FinalVersion, out.Rounds, out.Usage.CostUSD, short(out.SessionID))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sessions did not succeed", failed, len(targets))
		}
		return nil
	},
}

func runOne(ctx context.Context, deps session.Deps, t session.Target) (*session.Outcome, error) {
	s, err := session.New(deps)
	if err != nil {
		return nil, err
	}
	if verbose {
		s.SetProgress(os.Stderr)
	}
	return s.Run(ctx, t)
}

func init() {
	batchCmd.Flags().IntP("parallel", "p", 0, "sessions to run at once (default batch.parallel)")
	batchCmd.Flags().Bool("no-refine", false, "skip refinement of working manifests")
}
