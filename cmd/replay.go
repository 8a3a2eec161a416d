package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alimasry/collab-ot/session"
)

var replayJSON bool

var replayCmd = &cobra.Command{
	Use:   "replay [content-id]",
	Short: "Rebuild a document from the configured store and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cl closers
		defer cl.close()

		st, err := openStore(cmd.Context(), cfg.Store, logger, &cl)
		if err != nil {
			return err
		}
		doc, snapVersion, err := session.LoadDocument(cmd.Context(), st, args[0])
		if err != nil {
			return err
		}

		if replayJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"contentId":       doc.ContentID,
				"version":         doc.Version,
				"snapshotVersion": snapVersion,
				"text":            doc.Text,
			})
		}
		fmt.Fprintf(os.Stderr, "%s at version %d (snapshot %d)\n", doc.ContentID, doc.Version, snapVersion)
		fmt.Print(doc.Text)
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print a JSON object instead of raw text")
	rootCmd.AddCommand(replayCmd)
}
