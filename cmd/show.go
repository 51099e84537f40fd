package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/bounce-monitor/progress"
	"github.com/dhcgn/bounce-monitor/store"
)

var (
	showLimit  int
	showDomain string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Inspect the bounce database",
}

var showDomainsCmd = &cobra.Command{
	Use:   "domains",
	Short: "List domains by ascending trust score",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st *store.SQLiteStore) error {
			domains, err := st.ListDomainTrust(cmd.Context(), showLimit)
			if err != nil {
				return err
			}
			return progress.PrintTable(progress.DomainTable(domains))
		})
	},
}

var showBouncesCmd = &cobra.Command{
	Use:   "bounces",
	Short: "List recorded bounces, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st *store.SQLiteStore) error {
			bounces, err := st.ListBounces(cmd.Context(), store.BounceFilter{Domain: showDomain, Limit: showLimit})
			if err != nil {
				return err
			}
			return progress.PrintTable(progress.BounceTable(bounces))
		})
	},
}

var showEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print the most recent event log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(st *store.SQLiteStore) error {
			events, err := st.ListEvents(cmd.Context(), showLimit)
			if err != nil {
				return err
			}
			for _, e := range events {
				fmt.Printf("%s [%s] %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Severity, e.Message)
			}
			return nil
		})
	},
}

func init() {
	showCmd.PersistentFlags().IntVarP(&showLimit, "limit", "n", 50, "Maximum number of rows (0 for all)")
	showBouncesCmd.Flags().StringVar(&showDomain, "domain", "", "Only bounces for this domain")
	showCmd.AddCommand(showDomainsCmd, showBouncesCmd, showEventsCmd)
	rootCmd.AddCommand(showCmd)
}

func withStore(cmd *cobra.Command, fn func(*store.SQLiteStore) error) error {
	cfg, logger, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()

	st, err := openStore(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
