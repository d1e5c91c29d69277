// Command probeserver answers STUN binding requests from two UDP
// ports on the same address. Clients compare mappings across several
// probeserver instances to classify their NAT; the second port serves
// the change-port filtering test.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"natpunch/internal/logging"
	"natpunch/pkg/probe"
)

func main() {
	var (
		primary   = flag.String("listen", "0.0.0.0:3478", "primary UDP listen address")
		alternate = flag.String("alt", "0.0.0.0:3479", "alternate UDP listen address for change-port replies")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	log, err := logging.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probeserver: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	prim, err := probe.Listen(*primary)
	if err != nil {
		log.Fatal("bind primary", zap.String("addr", *primary), zap.Error(err))
	}
	defer prim.Close()

	alt, err := probe.Listen(*alternate)
	if err != nil {
		log.Fatal("bind alternate", zap.String("addr", *alternate), zap.Error(err))
	}
	defer alt.Close()

	log.Info("probe server listening",
		zap.Stringer("primary", prim.LocalAddr()),
		zap.Stringer("alternate", alt.LocalAddr()))

	srv := probe.NewServer(prim, alt, log.Named("server"))
	if err := srv.Serve(); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
