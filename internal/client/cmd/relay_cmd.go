package cmd

import (
	"context"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-talk/internal/logger"
	"github.com/rudransh-shrivastava/peer-talk/internal/relay"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "runs the signaling relay",
	Long:  `runs the websocket relay that forwards envelopes between named peers until a direct link is established`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewLogger(cfg.LogLevel)

		ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		server, err := relay.NewServer(relay.Config{
			Addr:     cfg.RelayAddr,
			Logger:   log,
			QUICAddr: cfg.RelayQUICAddr,
		})
		if err != nil {
			return err
		}
		log.Infof("Relay listening on %s", server.URL())
		if u := server.QUICURL(); u != "" {
			log.Infof("Relay accepting links on %s", u)
		}
		return server.Start(ctx)
	},
}
