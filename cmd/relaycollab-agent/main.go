package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaycollab/internal/hub"
	"github.com/agentworkforce/relaycollab/internal/wire"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	host     string
	port     int
	protocol string
	actor    string
	token    string
	timeout  time.Duration
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		log.Error("relaycollab-agent failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:          "relaycollab-agent",
		Short:        "Connect to a relaycollab server as an agent",
		SilenceUsage: true,
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.host, "host", envOrDefault("RELAYCOLLAB_HOST", "127.0.0.1"), "server host")
	pf.IntVar(&g.port, "port", intEnv("RELAYCOLLAB_PORT", 8080), "server port")
	pf.StringVar(&g.protocol, "protocol", envOrDefault("RELAYCOLLAB_PROTOCOL", "ws"), "websocket protocol (ws|wss)")
	pf.StringVar(&g.actor, "actor", strings.TrimSpace(os.Getenv("RELAYCOLLAB_ACTOR")), "actor id sent with operations")
	pf.StringVar(&g.token, "token", strings.TrimSpace(os.Getenv("RELAYCOLLAB_TOKEN")), "bearer token")
	pf.DurationVar(&g.timeout, "timeout", durationEnv("RELAYCOLLAB_TIMEOUT", 15*time.Second), "request timeout")

	cmd.AddCommand(newWatchCommand(g, out), newApplyCommand(g, out))
	return cmd
}

func (g *globalFlags) endpoint() (string, error) {
	protocol := strings.ToLower(strings.TrimSpace(g.protocol))
	if protocol != "ws" && protocol != "wss" {
		return "", fmt.Errorf("protocol must be ws or wss, got %q", g.protocol)
	}
	host := strings.TrimSpace(g.host)
	if host == "" {
		return "", errors.New("host is required")
	}
	if g.port <= 0 || g.port > 65535 {
		return "", fmt.Errorf("port %d out of range", g.port)
	}
	u := url.URL{Scheme: protocol, Host: host + ":" + strconv.Itoa(g.port), Path: "/v1/ws"}
	return u.String(), nil
}

func (g *globalFlags) dial(ctx context.Context) (*hub.Client, error) {
	endpoint, err := g.endpoint()
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return hub.Dial(dialCtx, hub.ClientOptions{
		URL:            endpoint,
		Token:          g.token,
		RequestTimeout: g.timeout,
		Logger:         log.Default(),
	})
}

func newWatchCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var jitter float64
	var retry time.Duration
	cmd := &cobra.Command{
		Use:   "watch <documentId>...",
		Short: "Print document updates as JSON lines until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if retry <= 0 {
				retry = 2 * time.Second
			}
			jitter = clampJitterRatio(jitter)
			rng := rand.New(rand.NewSource(time.Now().UnixNano()))
			for {
				err := watchOnce(ctx, g, args, out)
				if ctx.Err() != nil {
					return nil
				}
				wait := jitteredIntervalWithSample(retry, jitter, rng.Float64())
				log.Warn("watch connection ended, reconnecting", "error", err, "in", wait)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
		},
	}
	cmd.Flags().DurationVar(&retry, "retry", durationEnv("RELAYCOLLAB_WATCH_RETRY", 2*time.Second), "reconnect interval")
	cmd.Flags().Float64Var(&jitter, "retry-jitter", floatEnv("RELAYCOLLAB_WATCH_RETRY_JITTER", 0.2), "reconnect interval jitter ratio (0.0-1.0)")
	return cmd
}

func watchOnce(ctx context.Context, g *globalFlags, documentIDs []string, out io.Writer) error {
	client, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	enc := json.NewEncoder(out)
	lines := make(chan wire.DocumentUpdate, 64)
	off := client.OnMessage(wire.KindDocumentUpdated, func(msg wire.Message) {
		var update wire.DocumentUpdate
		if err := msg.Decode(&update); err != nil {
			log.Warn("dropping malformed update", "error", err)
			return
		}
		select {
		case lines <- update:
		default:
			log.Warn("output is behind, dropping update", "documentId", update.DocumentID)
		}
	})
	defer off()

	for _, id := range documentIDs {
		if err := client.Subscribe(ctx, id); err != nil {
			return fmt.Errorf("subscribe %s: %w", id, err)
		}
		log.Info("subscribed", "documentId", id)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.Done():
			return client.Err()
		case update := <-lines:
			if err := enc.Encode(update); err != nil {
				return err
			}
		}
	}
}

func newApplyCommand(g *globalFlags, out io.Writer) *cobra.Command {
	var documentID, action, payload string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Submit one operation and print its result",
		Example: `  relaycollab-agent apply --document doc-1 --action add_node --payload '{"label":"A"}'
  relaycollab-agent apply --action get_document --document doc-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := buildRequest(action, documentID, payload, g.actor)
			if err != nil {
				return err
			}
			client, err := g.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			defer cancel()
			result, err := client.Request(ctx, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(result); err != nil {
				return err
			}
			if !result.Success && result.Error != nil {
				return fmt.Errorf("%s: %s", result.Error.Code, result.Error.Message)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&documentID, "document", "", "target document id")
	f.StringVar(&action, "action", "", "operation action (create_document, add_node, update_edge, ...)")
	f.StringVar(&payload, "payload", "", "operation payload as a JSON object")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func buildRequest(action, documentID, payload, actor string) (wire.OperationRequest, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return wire.OperationRequest{}, errors.New("action is required")
	}
	req := wire.OperationRequest{
		Action:     action,
		DocumentID: strings.TrimSpace(documentID),
		ActorID:    strings.TrimSpace(actor),
	}
	if strings.TrimSpace(payload) == "" {
		return req, nil
	}
	if err := json.Unmarshal([]byte(payload), &req.Payload); err != nil {
		return wire.OperationRequest{}, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return req, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn("invalid environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads reconnects of many agents by up to
// jitterRatio of base in either direction. sample is in [0,1].
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	delta := (sample*2 - 1) * jitterRatio
	wait := time.Duration(float64(base) * (1 + delta))
	if wait <= 0 {
		return time.Millisecond
	}
	return wait
}
