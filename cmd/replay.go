package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"collabtext/collabd/internal/session"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "replay <documentId>",
		Short: "Rebuild a document from its latest checkpoint and the change log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			st, err := wireStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.close()

			snapshot, records, err := session.Replay(cmd.Context(), st.docs, st.changes, args[0])
			if err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}
			if verbose {
				fmt.Fprintf(cmd.ErrOrStderr(), "document %s version %d (%d records after checkpoint)\n", args[0], snapshot.Version, len(records))
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), snapshot.Text)
			return err
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print the version on stderr")
	cmd.Flags().String("storage", "memory", "storage backend: bolt or postgres")
	opts.v.BindPFlag("storage.backend", cmd.Flags().Lookup("storage"))
	return cmd
}
