package main

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or reset the stored session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored session with tokens redacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		var s types.Session
		found, err := store.Get(session.Namespace, &s)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintln(cmd.OutOrStdout(), "No session stored.")
			return nil
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(s.Redacted())
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored session",
	Long: `Delete the stored session. The next run registers again and needs a
registration token. Tracked jobs are kept.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Delete(session.Namespace); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Session deleted")
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionResetCmd)
}

// openStore opens the record store of the configured data dir. It fails
// while a worker holds the database.
func openStore(cmd *cobra.Command) (storage.RecordStore, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return storage.NewBoltStore(cfg.DataDir)
}
