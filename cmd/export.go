package cmd

import (
	"github.com/spf13/cobra"
)

func newExportCmd() *cobra.Command {
	var runID string

	exportCmd := &cobra.Command{
		Use:   "export --run-id <id>",
		Short: "Print the stored mapping document of a run.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			doc, err := st.LoadDocument(ctx, runID)
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), doc, cfg.Output().Indent)
		},
	}
	exportCmd.Flags().StringVar(&runID, "run-id", "", "id of the stored run")
	_ = exportCmd.MarkFlagRequired("run-id")
	return exportCmd
}
