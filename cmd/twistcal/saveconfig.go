package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gantry-twist-go/pkg/compensation"
	"gantry-twist-go/pkg/config"
	"gantry-twist-go/pkg/log"
)

func NewSaveConfigCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "save-config <run-id>",
		Short: "Write the table of a recorded run to the SAVE_CONFIG block",
		Long: `Write the compensation table of a recorded run to the SAVE_CONFIG block
of --config. The rest of the file is kept and a timestamped backup is
written next to it. Only completed runs that produced a table qualify.`,
		GroupID: gData,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHistory()
			if err != nil {
				return err
			}
			defer store.Close()
			snap, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap.Table == nil {
				return fmt.Errorf("run %s (%s, %s) has no compensation table", snap.Meta.RunID, snap.Meta.Mode, snap.Meta.Outcome)
			}

			cfg, err := config.LoadAutosave(configPath)
			if err != nil {
				return err
			}
			w := compensation.NewWriter(cfg, compensation.NewRuntime(), log.GetLogger("compensation"))
			if err := w.Write(snap.Table); err != nil {
				return err
			}
			if err := cfg.SaveChanges(output); err != nil {
				return err
			}
			dst := output
			if dst == "" {
				dst = configPath
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s table of run %s to %s\n",
				snap.Table.Axis, snap.Meta.RunID, dst)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of --config")
	return cmd
}
