// Package cmd implements the collab-ot command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alimasry/collab-ot/config"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "collab-ot",
	Short: "Operational transformation server for collaborative text editing",
	Long: `collab-ot serves documents that many clients edit concurrently.
Edits are transformed against concurrent history, applied in one order,
persisted, and broadcast to every connected editor.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			c.Log.Level = "debug"
		}
		l, err := c.Log.NewLogger(os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(l)
		cfg, logger = c, l
		return nil
	},
}

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default collab.yaml in . or ./config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
