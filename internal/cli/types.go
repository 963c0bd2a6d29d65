package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/definition"
	"github.com/pitabwire/approvals/model"
)

// TypesReport is the JSON printed by the types command.
type TypesReport struct {
	Checksum string                  `json:"checksum"`
	Types    []model.ApplicationType `json:"types"`
	Issues   []definition.Issue      `json:"issues"`
}

// NewTypesCommand creates the types command.
func NewTypesCommand(opts *RootOptions) *cobra.Command {
	var (
		dirs  []string
		check bool
	)

	cmd := &cobra.Command{
		Use:   "types",
		Short: "Print the normalized application types as JSON",
		Long: `Load the definition directories, normalize every type, and print the
result together with the repairs normalization applied. With --dir the
configuration file is not read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(dirs) == 0 {
				cfg, err := config.Load(opts.ConfigPath)
				if err != nil {
					return err
				}
				dirs = cfg.Definitions.Directories
			}

			loaded, err := loadTypes(dirs)
			if err != nil {
				return err
			}
			reg := definition.NewRegistry(loaded.Types)
			report := TypesReport{
				Checksum: reg.Checksum(),
				Types:    reg.All(),
				Issues:   loaded.Issues,
			}
			if report.Issues == nil {
				report.Issues = []definition.Issue{}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			if check && len(loaded.Issues) > 0 {
				return fmt.Errorf("%d definition issues: %w", len(loaded.Issues), loaded.err())
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&dirs, "dir", nil, "definition directory (repeatable); overrides the configuration")
	cmd.Flags().BoolVar(&check, "check", false, "exit with an error when any type needed repairs")

	return cmd
}
