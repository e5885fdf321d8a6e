package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"guffrelay/pkg/client"
	"guffrelay/pkg/logger"
	"guffrelay/pkg/utils"

	"github.com/spf13/cobra"
)

var (
	flagRelay    string
	flagUsername string
	flagToken    string
	flagSTUN     string
	flagMessage  string
	flagTimeout  time.Duration
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "peer",
	Short: "Pair with a stranger through guffrelay and open a WebRTC data channel",
	Long: `peer connects to a guffrelay signaling endpoint, waits to be matched, negotiates
a WebRTC data channel with the partner through the relay, exchanges one message
and exits.

Examples:
  peer --username alice
  peer --relay ws://relay.example.com:8000/connection-request/ --message hi`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagRelay, "relay", "ws://localhost:8000/connection-request/", "relay WebSocket endpoint")
	flags.StringVarP(&flagUsername, "username", "u", "", "identity to match under (random when empty)")
	flags.StringVar(&flagToken, "token", "", "bearer token; --username must match its username claim")
	flags.StringVar(&flagSTUN, "stun", "stun:stun.l.google.com:19302", "comma separated ICE server URLs")
	flags.StringVarP(&flagMessage, "message", "m", "hello from guffrelay", "text sent over the data channel")
	flags.DurationVar(&flagTimeout, "timeout", 2*time.Minute, "give up after this long")
	flags.StringVar(&flagLogLevel, "log-level", "info", "log level")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	zapLogger := logger.New(flagLogLevel, "console")
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	username := flagUsername
	if username == "" {
		username = "peer-" + utils.GenerateInstanceID()
	}

	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()

	relay, err := client.Dial(ctx, flagRelay, client.Options{Username: username, Token: flagToken})
	if err != nil {
		return fmt.Errorf("failed to connect to relay %s: %w", flagRelay, err)
	}
	defer relay.Close()

	log.Infow("waiting for a partner", "username", username)
	match, err := relay.WaitForMatch(ctx)
	if err != nil {
		return fmt.Errorf("no match: %w", err)
	}
	log.Infow("matched",
		"partner", match.Partner().Identity,
		"partner_address", match.Partner().Address,
		"offerer", match.Offerer(),
	)

	var iceServers []string
	if flagSTUN != "" {
		iceServers = strings.Split(flagSTUN, ",")
	}
	n, err := newNegotiator(relay, match, iceServers, flagMessage, log)
	if err != nil {
		return err
	}
	defer n.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start negotiation: %w", err)
	}

	select {
	case text := <-n.Received():
		log.Infow("received over data channel", "from", match.Partner().Identity, "message", text)
		// Let our own greeting drain before tearing down.
		time.Sleep(500 * time.Millisecond)
		return nil
	case err := <-runErr:
		return fmt.Errorf("relay connection ended before the data channel delivered: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}
