package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/bounce-monitor/notify"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Merge duplicate pending CC notifications",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()

		policy, err := notify.ParsePolicy(cfg.DedupPolicy)
		if err != nil {
			return err
		}

		st, err := openStore(cfg.Database, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := notify.NewDeduplicator(st, logger).Deduplicate(cmd.Context(), policy)
		if err != nil {
			return fmt.Errorf("deduplicate: %w", err)
		}
		fmt.Printf("Merged %d groups, deleted %d duplicate notifications (policy %s)\n", res.Merged, res.Deleted, policy)
		return nil
	},
}

func init() {
	dedupCmd.Flags().String("dedup-policy", string(notify.PolicyRecipient), "Grouping key: recipient or recipient+original_to")
	rootCmd.AddCommand(dedupCmd)
}
