// Command responder runs the TWAMP Responder: the Server on TWAMP-Control
// plus a Session-Reflector per negotiated session.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ncode/EchoZero/pkg/twamp/common"
	"github.com/ncode/EchoZero/pkg/twamp/server"
)

func main() {
	addr := flag.String("addr", "0.0.0.0", "IP address to listen on for TWAMP-Control")
	port := flag.Uint("port", common.TWAMPControlPort, "TCP port to listen on for TWAMP-Control")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if *port > 65535 {
		log.Errorf("invalid port: %d", *port)
		os.Exit(1)
	}

	srv := server.NewServer(server.ServerConfig{
		ListenAddress: fmt.Sprintf("%s:%d", *addr, *port),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.WithError(err).Error("responder failed to start")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	cancel()
	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}
