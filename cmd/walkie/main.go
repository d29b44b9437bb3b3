// Walkie CLI entry point.
//
// One binary plays every part of a walkie-talkie call: the signaling relay
// that peers meet on, the peer that calls, and the peer that listens. Audio
// flows peer-to-peer over WebRTC once the relay has carried the offer,
// answer and candidates.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -config, -addr, -url, -frequency, -input, -output).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/walkie/internal/config"
	"github.com/1ureka/walkie/internal/media"
	"github.com/1ureka/walkie/internal/relay"
	"github.com/1ureka/walkie/internal/session"
	"github.com/1ureka/walkie/internal/transport"
	"github.com/1ureka/walkie/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "YAML config file")
	role := flag.String("role", "", "Role: relay, call or listen")
	addr := flag.String("addr", "", "Relay listen address (relay only, default :3000)")
	relayURL := flag.String("url", "", "Relay WebSocket URL (call/listen only)")
	frequency := flag.Int("frequency", 0, "Frequency 1~20 (call/listen only)")
	input := flag.String("input", "", "Ogg/Opus file played as the microphone (call/listen only)")
	output := flag.String("output", "", "Ogg/Opus file the remote audio is recorded to (call/listen only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	// -frequency 0 must reach validation, so track whether it was given.
	var freq *int
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "frequency" {
			freq = frequency
		}
	})
	applyFlags(&cfg, *role, *addr, *relayURL, freq, *input, *output, *debugMode)

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Walkie — v%s", version))
	pterm.Println()

	switch cfg.Role {
	case "":
		// No role from flags or file → interactive mode.
		runInteractive(ctx, cfg)

	case config.RoleRelay:
		runRelay(ctx, cfg.Relay)

	case config.RoleCall, config.RoleListen:
		wsURL, err := normalizeWSURL(cfg.Peer.RelayURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.Peer.RelayURL = wsURL

		runPeer(ctx, cfg.Peer, cfg.Role == config.RoleCall)

	default:
		util.LogError("invalid -role: must be 'relay', 'call' or 'listen'")
		os.Exit(1)
	}
}

// applyFlags overrides file values with the flags that were set. A nil
// frequency means -frequency was not given.
func applyFlags(cfg *config.Config, role, addr, relayURL string, frequency *int, input, output string, debug bool) {
	if role != "" {
		cfg.Role = config.Role(role)
	}
	if addr != "" {
		cfg.Relay.ListenAddr = addr
	}
	if relayURL != "" {
		cfg.Peer.RelayURL = relayURL
	}
	if frequency != nil {
		cfg.Peer.Frequency = *frequency
	}
	if input != "" {
		cfg.Peer.Input = input
	}
	if output != "" {
		cfg.Peer.Output = output
	}
	if debug {
		cfg.Debug = true
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the role and its settings when none was given.
func runInteractive(ctx context.Context, cfg config.Config) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Relay  — Host the signaling relay",
			"Call   — Start a call on a frequency",
			"Listen — Wait for a call on a frequency",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Relay") {
		runRelay(ctx, cfg.Relay)
		return
	}

	cfg.Peer.RelayURL = askURL()
	cfg.Peer.Frequency = askFrequency()
	runPeer(ctx, cfg.Peer, strings.HasPrefix(role, "Call"))
}

// runRelay serves the signaling relay until ctx is cancelled.
func runRelay(ctx context.Context, cfg config.Relay) {
	srv, err := relay.NewServer(cfg, nil)
	if err != nil {
		util.LogError("failed to create relay: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx, srv, cfg.StatsInterval)

	if err := srv.ListenAndServe(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("relay stopped")
}

// runPeer joins a call and blocks until it ends or ctx is cancelled.
func runPeer(ctx context.Context, cfg config.Peer, initiate bool) {
	var source media.Source = media.MuteSource{}
	if cfg.Input != "" {
		source = &media.OggFileSource{Path: cfg.Input, Loop: true}
	}

	var sink media.Sink = &media.DiscardSink{}
	if cfg.Output != "" {
		sink = &media.OggFileSink{Path: cfg.Output}
	}

	ctrl := session.NewController(session.Config{
		RelayURL:  cfg.RelayURL,
		Source:    source,
		Sink:      sink,
		NewEngine: transport.Factory(cfg.ICEServers),
	})

	if err := ctrl.Start(ctx, cfg.Frequency, initiate); err != nil {
		util.LogError("failed to start call: %v", err)
		os.Exit(1)
	}

	if initiate {
		util.LogInfo("calling on %s, waiting for an answer", cfg.RelayURL)
	} else {
		util.LogInfo("listening on %s, waiting for a call", cfg.RelayURL)
	}

	select {
	case <-ctx.Done():
		ctrl.Stop()
	case <-ctrl.Done():
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates a relay URL, accepting bare hosts and http(s)
// schemes. The path is kept since the relay answers on any path.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid relay URL: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme %q: use ws or wss", u.Scheme)
	}

	return u.String(), nil
}

// askFrequency prompts until a frequency in range is entered.
func askFrequency() int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Frequency (%d ~ %d)", session.MinFrequency, session.MaxFrequency)).
			Show()

		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && session.ValidateFrequency(n) == nil {
			pterm.Println()
			return n
		}

		pterm.Println()
		util.LogWarning("Please select a frequency between %d and %d.", session.MinFrequency, session.MaxFrequency)
	}
}

// askURL prompts for a relay URL until a valid one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("Relay URL (e.g. %s)", config.DefaultRelayURL)).
			Show()

		if strings.TrimSpace(raw) == "" {
			raw = config.DefaultRelayURL
		}

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
