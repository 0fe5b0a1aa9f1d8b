// icws: command-line client for IC WebSocket gateways.
//
// The connect command opens an IC WebSocket connection to a canister
// through a gateway, prints every message the canister sends and relays
// each line typed on stdin as a message.
//
// Configuration comes from an optional YAML file (--config), ICWS_
// environment variables and flags.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/icws/internal/config"
	"github.com/1ureka/icws/internal/conn"
	"github.com/1ureka/icws/internal/util"
)

var version = "dev"

var errConnectionClosed = errors.New("connection closed")

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:          "icws",
		Short:        "IC WebSocket client",
		Version:      version,
		SilenceUsage: true,
	}

	connectCmd = &cobra.Command{
		Use:   "connect",
		Short: "Connects to a canister through an IC WebSocket gateway.",
		Args:  cobra.NoArgs,
		RunE:  runConnect,
	}
)

func init() {
	f := connectCmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.String("gateway", "", "Gateway WebSocket URL (e.g. ws://127.0.0.1:8080)")
	f.String("network", "", "Replica URL (e.g. http://127.0.0.1:4943)")
	f.String("canister", "", "Canister id")
	f.String("seed", "", "Hex seed of the client identity (random if empty)")
	f.Bool("fetch-root-key", false, "Fetch the root key from the replica (local networks only)")
	f.Duration("ack-timeout", 0, "Time to wait for the canister to acknowledge a message")
	f.Duration("open-timeout", 0, "Time to wait for the canister to open the connection")
	f.Duration("max-certificate-age", 0, "Maximum age of a certificate")
	f.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(connectCmd)
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// connect
// ---------------------------------------------------------------------------

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Debug {
		util.EnableDebug()
		util.LogDebug("gateway %s, network %s, canister %s", cfg.GatewayURL, cfg.NetworkURL, cfg.CanisterID)
		util.LogDebug("ack timeout %s, open timeout %s, max certificate age %s", cfg.AckTimeout, cfg.OpenTimeout, cfg.MaxCertificateAge)
	}

	pterm.Info.Println(fmt.Sprintf("icws v%s", version))
	pterm.Println()

	log, err := util.NewLogger(cfg.Debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	identity, err := cfg.Identity()
	if err != nil {
		return err
	}
	canister, err := cfg.Canister()
	if err != nil {
		return err
	}

	handler := conn.HandlerFuncs[AppMessage]{
		Open: func() {
			util.LogSuccess("connection established, client principal %s", identity.Sender())
		},
		Message: func(m AppMessage) {
			util.LogInfo("%s %s", pterm.Gray(time.Unix(0, int64(m.Timestamp)).Format(time.TimeOnly)), m.Text)
		},
		Error: func(err error) {
			util.LogError("%v", err)
		},
		Close: func(code int, reason string) {
			util.LogInfo("connection closed (code %d) %s", code, reason)
		},
	}

	ctx := cmd.Context()
	c, err := conn.Dial[AppMessage](ctx, conn.Config{
		CanisterID:        canister,
		GatewayURL:        cfg.GatewayURL,
		NetworkURL:        cfg.NetworkURL,
		Identity:          identity,
		FetchRootKey:      cfg.FetchRootKey || cfg.IsLocal(),
		AckTimeout:        cfg.AckTimeout,
		OpenTimeout:       cfg.OpenTimeout,
		MaxCertificateAge: cfg.MaxCertificateAge,
		Logger:            log,
	}, appCodec{}, handler, conn.WithMetrics(util.Stats))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	util.LogInfo("connected to gateway %s, waiting for the canister to open the connection", cfg.GatewayURL)
	util.StartStatsReporter(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if err := c.Close(); err != nil {
				return err
			}
			<-c.Done()
			return nil
		case <-c.Done():
			return errConnectionClosed
		}
	})
	g.Go(func() error {
		return relayInput(gctx, c, os.Stdin)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errConnectionClosed) {
		return err
	}

	util.LogInfo("successfully closed connection")
	return nil
}

// relayInput sends every non-empty line read from r until ctx is done or r
// is exhausted.
func relayInput(ctx context.Context, c *conn.Conn[AppMessage], r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			err := c.Send(AppMessage{Text: line, Timestamp: uint64(time.Now().UnixNano())})
			if errors.Is(err, conn.ErrNotEstablished) {
				util.LogWarning("connection is not established yet, message dropped")
				continue
			}
			if err != nil {
				return err
			}
			util.LogDebug("sent %q", line)
		}
	}
}
