// Command signaling runs the websocket rendezvous relay. Two peers
// join the same room and the relay forwards their messages verbatim;
// it never inspects payloads.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"natpunch/internal/logging"
	"natpunch/pkg/signal"
)

func main() {
	var (
		listen   = flag.String("listen", ":8080", "HTTP listen address")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "signaling: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	mux := http.NewServeMux()
	mux.Handle("/ws", signal.NewRelay(log.Named("relay")))

	srv := &http.Server{
		Addr:              *listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("signaling relay listening", zap.String("addr", *listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("serve", zap.Error(err))
	}
}
