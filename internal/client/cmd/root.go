package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/rudransh-shrivastava/peer-talk/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cfg is loaded from --config before flags are bound, so flags override
// the file.
var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:          `peer-talk`,
	Long:         `peer-talk exchanges text, files and media with a peer over WebRTC, relaying through a server until a direct link is up`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg.Apply()
		return cfg.Validate()
	},
}

func Execute() {
	loaded, err := config.Load(configPath(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error while loading config: %s\n", err)
		os.Exit(1)
	}
	cfg = loaded
	cfg.BindFlags(rootCmd.PersistentFlags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error while executing: %s\n", err)
		os.Exit(1)
	}
}

// configPath finds --config ahead of the real flag parse.
func configPath(args []string) string {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	path := fs.StringP("config", "c", "", "")
	_ = fs.Parse(args)
	return *path
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(relayCmd)
}
