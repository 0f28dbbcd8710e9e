package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/pkgforge/internal/analytics"
	"github.com/lucasnoah/pkgforge/internal/db"
	"github.com/lucasnoah/pkgforge/internal/session"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate statistics over recorded sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		since := ""
		if s, _ := cmd.Flags().GetString("since"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = time.Now().Add(-d).UTC().Format(db.TimeFormat)
		}

		database, _, err := session.OpenStorage(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		report, err := analytics.Summarize(database, since)
		if err != nil {
			return err
		}
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		return printReport(cmd.OutOrStdout(), report)
	},
}

func printReport(w io.Writer, r *analytics.Report) error {
	s := r.Summary
	fmt.Fprintln(w, paint(w, styleTitle, "Sessions"))
	fmt.Fprintf(w, "  %d total, %d succeeded, %d stopped, %d unfinished (%.1f%% success)\n",
		s.Sessions, s.Succeeded, s.Stopped, s.Unfinished, s.SuccessRate)
	fmt.Fprintf(w, "  rounds avg %.1f, p50 %.0f, p95 %.0f\n", s.AvgRounds, s.P50Rounds, s.P95Rounds)
	fmt.Fprintf(w, "  cost avg $%.4f, total $%.4f\n", s.AvgCostUSD, s.TotalCostUSD)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	section := func(title string, counts []analytics.Count) {
		if len(counts) == 0 {
			return
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, paint(w, styleTitle, title))
		for _, c := range counts {
			fmt.Fprintf(tw, "  %s\t%d\t%.1f%%\n", c.Label, c.Count, c.Pct)
		}
	}
	section("Stop reasons", r.StopReasons)
	section("Verdicts", r.Verdicts)
	section("Error kinds", r.ErrorKinds)

	if len(r.Transitions) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, paint(w, styleTitle, "Error kind transitions"))
		for _, t := range r.Transitions {
			fmt.Fprintf(tw, "  %s → %s\t%d\n", t.From, t.To, t.Count)
		}
	}
	if len(r.BuildDurations) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, paint(w, styleTitle, "Build durations (s)"))
		fmt.Fprintln(tw, "  LOOP\tBUILDS\tAVG\tP50\tP95")
		for _, d := range r.BuildDurations {
			fmt.Fprintf(tw, "  %s\t%d\t%.1f\t%.1f\t%.1f\n", d.Loop, d.Count, d.Avg, d.P50, d.P95)
		}
	}
	return tw.Flush()
}

func init() {
	statsCmd.Flags().String("since", "", "only sessions started within this duration, e.g. 168h")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
