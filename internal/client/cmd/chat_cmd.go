package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

var outDir string

var chatCmd = &cobra.Command{
	Use:   "chat peer",
	Short: "chat with a peer",
	Long: `connects to the relay as --name and talks to peer. Plain lines are sent as text;
lines starting with / are commands, /help lists them`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Name == "" {
			return errors.New("--name is required")
		}
		if args[0] == cfg.Name {
			return errors.New("cannot chat with yourself")
		}
		return runChat(cmd.Context(), cfg, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&outDir, "out-dir", ".", "directory received files are written to")
}
