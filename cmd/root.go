package cmd

import (
	"flag"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"collabtext/collabd/internal/config"
)

func Execute() error {
	return newRootCmd().Execute()
}

type rootOptions struct {
	v          *viper.Viper
	configPath string
}

func (o *rootOptions) load() (config.Config, error) {
	return config.Load(o.v, o.configPath)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	rootCmd := &cobra.Command{
		Use:           "collabd",
		Short:         "collabd: real-time collaborative text editing server",
		Long:          "collabd serves collaborative editing sessions over WebSocket, transforming concurrent edits so every participant converges on the same text.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ./collabd.yaml or /etc/collabd/collabd.yaml)")
	// glog registers -v, -logtostderr and friends on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newReplayCmd(opts),
		newTokenCmd(opts),
		newTailCmd(opts),
	)
	return rootCmd
}
