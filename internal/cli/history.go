package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/pkgforge/internal/db"
	"github.com/lucasnoah/pkgforge/internal/session"
	"github.com/lucasnoah/pkgforge/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List recorded sessions, or show one session's rounds",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		database, st, err := session.OpenStorage(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		format, _ := cmd.Flags().GetString("format")
		if len(args) == 0 {
			limit, _ := cmd.Flags().GetInt("limit")
			sessions, err := database.ListSessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			return printSessions(cmd.OutOrStdout(), sessions)
		}

		sum, err := database.GetSession(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if sum == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		events, err := database.SessionEvents(cmd.Context(), sum.ID)
		if err != nil {
			return err
		}
		builds, err := database.SessionBuilds(cmd.Context(), sum.ID)
		if err != nil {
			return err
		}

		if format == "json" {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"session": sum,
				"events":  events,
				"builds":  builds,
			})
		}
		if render, _ := cmd.Flags().GetBool("render"); render {
			var out *session.Outcome
			var o session.Outcome
			if err := st.ReadOutcome(sum.ID, &o); err == nil {
				out = &o
			} else if !errors.Is(err, store.ErrNotFound) {
				return err
			}
			md := sessionMarkdown(sum, builds, out, cfg.Build.Lang)
			r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				return fmt.Errorf("markdown renderer: %w", err)
			}
			text, err := r.Render(md)
			if err != nil {
				return fmt.Errorf("render: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		}
		return printEvents(cmd.OutOrStdout(), sum, events)
	},
}

func printSessions(w io.Writer, sessions []db.SessionSummary) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPROJECT\tSTATUS\tREASON\tROUNDS\tCOST\tSTARTED")
	for _, s := range sessions {
		status, reason, rounds, cost := "running", "", "-", "-"
		if o := s.Outcome; o != nil {
			status, reason = o.Status, o.Reason
			rounds = fmt.Sprint(o.Rounds)
			cost = fmt.Sprintf("$%.4f", o.CostUSD)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", short(s.ID), s.Project, status, reason, rounds, cost, s.StartedAt)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, sum *db.SessionSummary, events []db.RoundEvent) error {
	fmt.Fprintf(w, "%s %s (%s)\n", paint(w, styleTitle, "Session"), sum.ID, sum.Project)
	if o := sum.Outcome; o != nil {
		fmt.Fprintf(w, "  %s %s, v%d after %d rounds\n", o.Status, o.Reason, o.FinalVersion, o.Rounds)
		if o.FailureCause != "" {
			fmt.Fprintf(w, "  cause: %s\n", o.FailureCause)
		}
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LOOP\tROUND\tACTION\tVERSION\tACCEPTED\tKIND\tVERDICT\tDETAIL")
	for _, e := range events {
		detail := e.Detail
		if e.Reason != "" {
			detail = e.Reason
		}
		if e.RefineExit != "" {
			detail = e.RefineExit + " " + e.Feedback
		}
		if len(detail) > 60 {
			detail = detail[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
			e.Loop, e.Round, e.Action, e.CandidateVersion, e.AcceptedVersion, e.ErrorKind, e.Verdict, oneLine(detail))
	}
	return tw.Flush()
}

// sessionMarkdown renders a session report for --render.
func sessionMarkdown(sum *db.SessionSummary, builds []db.BuildRun, out *session.Outcome, lang string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sum.Project)
	fmt.Fprintf(&b, "Session `%s`, model `%s`, started %s\n\n", sum.ID, sum.Model, sum.StartedAt)
	if o := sum.Outcome; o != nil {
		fmt.Fprintf(&b, "**%s**", strings.ToUpper(o.Status))
		if o.Reason != "" {
			fmt.Fprintf(&b, " (%s)", o.Reason)
		}
		fmt.Fprintf(&b, ": v%d after %d rounds, %d tokens, $%.4f\n\n", o.FinalVersion, o.Rounds, o.InputTokens+o.OutputTokens, o.CostUSD)
		if o.FailureCause != "" {
			fmt.Fprintf(&b, "Failure cause: `%s`\n\n", o.FailureCause)
		}
	}

	b.WriteString("## Builds\n\n| loop | round | version | status | kind | lines | seconds |\n|---|---|---|---|---|---|---|\n")
	for _, r := range builds {
		fmt.Fprintf(&b, "| %s | %d | v%d | %s | %s | %d | %.1f |\n",
			r.Loop, r.Round, r.CandidateVersion, r.Status, r.ErrorKind, r.LineCount, float64(r.DurationMs)/1000)
	}

	if out != nil && out.Manifest != "" {
		title := "Final manifest"
		if out.Status != session.StatusSucceeded {
			title = "Last accepted candidate"
		}
		fmt.Fprintf(&b, "\n## %s\n\n```%s\n%s\n```\n", title, lang, strings.TrimRight(out.Manifest, "\n"))
		if out.Status != session.StatusSucceeded && out.BuildLog != "" {
			fmt.Fprintf(&b, "\n## Last build log\n\n```\n%s\n```\n", tailLines(out.BuildLog, 30))
		}
		if out.FailureAnalysis != "" {
			fmt.Fprintf(&b, "\n## Analysis\n\n%s\n", out.FailureAnalysis)
		}
	}
	return b.String()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	historyCmd.Flags().Int("limit", 20, "sessions to list")
	historyCmd.Flags().String("format", "text", "Output format: text or json")
	historyCmd.Flags().Bool("render", false, "render the session report as markdown")
}
