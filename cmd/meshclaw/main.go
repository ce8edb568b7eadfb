// Command meshclaw runs one node of the meshclaw mesh: peer discovery on the
// local network, a gossip-replicated shared document, capability-routed task
// delegation and a loopback websocket bridge for the gateway.
//
// Settings come from defaults, then MESHCLAW_* environment variables, then
// flags:
//
//	meshclaw -state-dir ./.meshclaw -bridge-port 3001 -capabilities embedding,gpu
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/olserra/meshclaw/node"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meshclaw: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := node.DefaultConfig()
	if err := cfg.LoadEnv(os.Getenv); err != nil {
		return err
	}
	fs := flag.NewFlagSet("meshclaw", flag.ExitOnError)
	cfg.RegisterFlags(fs)
	_ = fs.Parse(os.Args[1:])
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.SetLogLevelRegex("^meshclaw/", cfg.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := node.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	fmt.Printf("meshclaw node %s\n", rt.ID())
	fmt.Printf("gateway bridge on ws://%s\n", rt.BridgeAddr())
	return rt.Run(ctx)
}
