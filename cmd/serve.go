package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve collaborative editing sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := wireApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.close()
			return app.serve(ctx)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("instance-id", "", "instance id within the cluster")
	cmd.Flags().String("storage", "memory", "storage backend: memory, bolt or postgres")
	cmd.Flags().String("coordination", "local", "coordination backend: local or redis")
	opts.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	opts.v.BindPFlag("instance.id", cmd.Flags().Lookup("instance-id"))
	opts.v.BindPFlag("storage.backend", cmd.Flags().Lookup("storage"))
	opts.v.BindPFlag("coordination.backend", cmd.Flags().Lookup("coordination"))
	return cmd
}
