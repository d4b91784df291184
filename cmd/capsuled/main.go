package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hoshizora-labs/capsule/internal/config"
	"github.com/hoshizora-labs/capsule/internal/identity"
	"github.com/hoshizora-labs/capsule/internal/orchestrator"
	"github.com/hoshizora-labs/capsule/internal/transport"
)

func main() {
	var (
		configPath string
		port       int
		dataDir    string
		passphrase string
	)
	flag.StringVar(&configPath, "config", "", "path to a JSON configuration file")
	flag.IntVar(&port, "port", 0, "UDP bind port (overrides config)")
	flag.StringVar(&dataDir, "data-dir", "", "persistent state directory (overrides config)")
	flag.StringVar(&passphrase, "identity-pass", "", "identity file passphrase (or set CAPSULE_IDENTITY_PASS)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	if passphrase == "" {
		passphrase = os.Getenv("CAPSULE_IDENTITY_PASS")
	}
	if passphrase == "" {
		log.Fatalf("identity passphrase missing: supply --identity-pass or set CAPSULE_IDENTITY_PASS")
	}

	id, err := identity.LoadOrGenerate(cfg.IdentityKeyPath, []byte(passphrase))
	if err != nil {
		log.Fatalf("identity: %v", err)
	}
	log.Printf("[main] node id=%s port=%d", hex.EncodeToString(id.NodeID[:8]), cfg.Port)

	sock, err := transport.Listen(fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Fatalf("transport bind: %v", err)
	}

	orch, err := orchestrator.New(cfg, id, sock)
	if err != nil {
		log.Fatalf("orchestrator: %v", err)
	}
	defer orch.Close()

	if err := orch.LoadPeers(); err != nil {
		log.Printf("[main] load persisted peers: %v", err)
	}
	orch.Bootstrap()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("[main] %v", err)
	}
}
