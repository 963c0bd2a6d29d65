package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/observability"
)

// SweepReport is the JSON printed by the sweep command.
type SweepReport struct {
	Changed      []int64 `json:"changed"`
	AutoApproved int     `json:"auto_approved"`
	Bounced      int     `json:"bounced"`
	Refreshed    int     `json:"refreshed"`
	Cleared      int     `json:"cleared"`
	Error        string  `json:"error,omitempty"`
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one automation sweep and exit",
		Long: `Apply the SLA expire actions to every overdue application once, print
what changed as JSON, and exit. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			logger := observability.NewLoggerTo(cfg.Observability, cmd.ErrOrStderr())
			defer logger.Sync()

			a, err := buildApp(cmd.Context(), cfg, logger)
			defer a.close()
			if err != nil {
				return err
			}

			res, sweepErr := a.svc.RunAutomationSweep(cmd.Context())
			report := SweepReport{
				Changed:      res.Changed,
				AutoApproved: res.AutoApproved,
				Bounced:      res.Bounced,
				Refreshed:    res.Refreshed,
				Cleared:      res.Cleared,
			}
			if report.Changed == nil {
				report.Changed = []int64{}
			}
			if sweepErr != nil {
				report.Error = sweepErr.Error()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return sweepErr
		},
	}
}
