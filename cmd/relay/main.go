package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-talk/internal/logger"
	"github.com/rudransh-shrivastava/peer-talk/internal/relay"
	"github.com/spf13/pflag"
)

func main() {
	addr := pflag.String("addr", ":8080", "listen address")
	quicAddr := pflag.String("quic-addr", "", "udp listen address for QUIC links")
	level := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := relay.NewServer(relay.Config{
		Addr:     *addr,
		Logger:   logger.NewLogger(*level),
		QUICAddr: *quicAddr,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := server.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
