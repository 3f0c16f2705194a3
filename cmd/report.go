package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ptoc-relay/internal/observability/metrics"
	protection "ptoc-relay/internal/protection/domain"
	"ptoc-relay/internal/protection/report"
)

const reportTimeout = 2 * time.Minute

func newReportCmd(flags *globalFlags) *cobra.Command {
	var (
		format string
		out    string
		from   string
		to     string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Export stored trip events as PDF or XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "pdf" && format != "xlsx" {
				return fmt.Errorf("report: unknown format %q", format)
			}
			query := protection.EventQuery{Limit: limit}
			var err error
			if query.From, err = parseFlagTime(from); err != nil {
				return fmt.Errorf("report: --from: %w", err)
			}
			if query.To, err = parseFlagTime(to); err != nil {
				return fmt.Errorf("report: --to: %w", err)
			}

			cfg, logger, err := flags.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if cfg.Database.URL == "" {
				return errors.New("report: DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), reportTimeout)
			defer cancel()
			db, repo, err := openRepository(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := repo.List(ctx, query)
			if err != nil {
				return err
			}
			settings, err := cfg.Build()
			if err != nil {
				return err
			}
			summary := report.Summary{
				Relay:           cfg.Relay.Name,
				Function:        protection.Name,
				PickupCurrent:   settings.Trip.PickupCurrent(),
				TimeDelay:       settings.Trip.TimeDelay(),
				SamplesPerCycle: settings.SamplesPerCycle,
				From:            query.From,
				To:              query.To,
				GeneratedAt:     time.Now().UTC(),
			}

			started := time.Now()
			var body []byte
			if format == "pdf" {
				body, err = report.BuildPDF(summary, events)
			} else {
				body, err = report.BuildXLSX(summary, events)
			}
			if err != nil {
				metrics.ObserveReportExport(format, metrics.ResultError, time.Since(started))
				return err
			}
			metrics.ObserveReportExport(format, metrics.ResultSuccess, time.Since(started))

			if out == "" {
				out = "trip-events." + format
			}
			if err := os.WriteFile(out, body, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", len(events), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "pdf", "Report format (pdf, xlsx)")
	cmd.Flags().StringVar(&out, "out", "", "Output file (default trip-events.<format>)")
	cmd.Flags().StringVar(&from, "from", "", "Start time (RFC3339, inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "End time (RFC3339, exclusive)")
	cmd.Flags().IntVar(&limit, "limit", protection.DefaultEventLimit, "Maximum number of events")
	return cmd
}

func parseFlagTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
