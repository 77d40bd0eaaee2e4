// ABOUTME: Client-side subcommands: init, keys, check, health, audit and token
// ABOUTME: These inspect a running agentmux or its configuration without serving

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/auth"
	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/config"
	"github.com/2389/agentmux/internal/keys"
	"github.com/2389/agentmux/internal/store"
)

// defaultTokenTTL is how long minted API tokens are valid.
const defaultTokenTTL = 30 * 24 * time.Hour

func runInit(args []string) error {
	var path string
	flagSet := newFlagSet("init")
	flagSet.StringVarP(&path, "path", "p", "", "where to write the config (default: $AGENTMUX_CONFIG or ~/.config/agentmux/config.yaml)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if path == "" {
		path = getConfigPath()
	}

	if err := config.WriteExample(path); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", path)
	fmt.Println()
	fmt.Println("  Edit the backends list, then:")
	fmt.Println("    agentmux check    # probe every backend")
	fmt.Println("    agentmux serve    # start serving")
	return nil
}

func runKeys(ctx context.Context, args []string) error {
	var flags configFlags
	var socket string
	flagSet := newFlagSet("keys")
	flagSet.StringVarP(&socket, "socket", "s", "", "agent descriptor to query (default: the configured listen address)")
	flags.register(flagSet, false)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if socket == "" {
		cfg, _, err := flags.load()
		if err != nil {
			return err
		}
		socket = cfg.ListenDescriptor.String()
	}

	d, err := backend.ParseDescriptor(socket)
	if err != nil {
		return err
	}
	if d.Scheme == backend.SchemeTailnet {
		return fmt.Errorf("cannot query %s: tailnet agents are only reachable from a running agentmux", d)
	}

	dialer := &net.Dialer{Timeout: config.DefaultDialTimeout}
	conn, err := dialer.DialContext(ctx, d.Network(), d.Address)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d, err)
	}
	defer conn.Close()

	identities, err := agent.NewClient(conn).List()
	if err != nil {
		return fmt.Errorf("listing identities: %w", err)
	}
	if len(identities) == 0 {
		fmt.Println("The agent has no identities.")
		return nil
	}

	for _, id := range identities {
		pub, err := ssh.ParsePublicKey(id.Blob)
		if err != nil {
			fmt.Printf("%s %s %s\n", id.Format, keys.FingerprintBlob(id.Blob), id.Comment)
			continue
		}
		fmt.Println(keys.Describe(pub, id.Comment))
	}
	return nil
}

func runCheck(ctx context.Context, args []string) error {
	var flags configFlags
	flagSet := newFlagSet("check")
	flags.register(flagSet, true)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, err := flags.load()
	if err != nil {
		return err
	}

	factory := backend.NewFactory(backend.FactoryConfig{
		Descriptors: cfg.BackendDescriptors,
		DialTimeout: cfg.Agent.DialTimeout,
		Logger:      setupLogger(cfg.Logging),
	})
	results := factory.Probe(ctx)

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	failed := 0
	for _, res := range results {
		if res.OK() {
			green.Print("  ✓ ")
			fmt.Printf("backend %d %s: %d identities (%s)\n", res.Index, res.Descriptor, res.Identities, res.Latency.Round(time.Millisecond))
			continue
		}
		failed++
		red.Print("  ✗ ")
		fmt.Printf("backend %d %s: %v\n", res.Index, res.Descriptor, res.Err)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d backends unreachable; clients would be disconnected", failed, len(results))
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	var flags configFlags
	var addr string
	var ready bool
	flagSet := newFlagSet("health")
	flagSet.StringVar(&addr, "addr", "", "status server address (default: server.http_addr)")
	flagSet.BoolVar(&ready, "ready", false, "also require every backend to be reachable")
	flags.register(flagSet, false)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if addr == "" {
		cfg, _, err := flags.load()
		if err != nil {
			return err
		}
		if cfg.Server.HTTPAddr == "" {
			return errors.New("server.http_addr is not configured; pass --addr")
		}
		addr = cfg.Server.HTTPAddr
	}

	path := "/health"
	if ready {
		path = "/health/ready"
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runAudit(ctx context.Context, args []string) error {
	var flags configFlags
	var limit int
	var session, fingerprint, keyFile, outcome string
	var since time.Duration
	flagSet := newFlagSet("audit")
	flagSet.IntVarP(&limit, "limit", "n", 20, "maximum number of events")
	flagSet.StringVar(&session, "session", "", "only events from this session")
	flagSet.StringVar(&fingerprint, "fingerprint", "", "only events for this key fingerprint")
	flagSet.StringVar(&keyFile, "key", "", "only events for the public key in this file (e.g. ~/.ssh/id_ed25519.pub)")
	flagSet.StringVar(&outcome, "outcome", "", "only events with this outcome (ok, not_recognized, error)")
	flagSet.DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	flags.register(flagSet, false)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, _, err := flags.load()
	if err != nil {
		return err
	}
	if cfg.Database.Path == "" {
		return errors.New("auditing is disabled: database.path is not configured")
	}

	if keyFile != "" {
		if fingerprint != "" {
			return errors.New("--key and --fingerprint are mutually exclusive")
		}
		fingerprint, err = keyFileFingerprint(keyFile)
		if err != nil {
			return err
		}
	}

	filter := store.SignEventFilter{Limit: limit}
	if session != "" {
		filter.SessionID = &session
	}
	if fingerprint != "" {
		filter.Fingerprint = &fingerprint
	}
	if outcome != "" {
		o := store.SignOutcome(outcome)
		if !slices.Contains(store.ValidSignOutcomes, o) {
			return fmt.Errorf("invalid outcome %q", outcome)
		}
		filter.Outcome = &o
	}
	if since > 0 {
		t := time.Now().Add(-since)
		filter.Since = &t
	}

	// Open the store directly
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	events, err := s.ListSignEvents(ctx, filter)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No sign events.")
		return nil
	}

	return printSignEvents(os.Stdout, events)
}

// keyFileFingerprint returns the fingerprint of the first key in an
// authorized_keys style file. Blank lines and # comments are skipped.
func keyFileFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading key file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		pubkey, _, err := keys.ParseAuthorizedKey(line)
		if err != nil {
			return "", fmt.Errorf("%s: %w", path, err)
		}
		return keys.Fingerprint(pubkey), nil
	}
	return "", fmt.Errorf("%s: no public key found", path)
}

// printSignEvents writes events as an aligned table.
func printSignEvents(w io.Writer, events []store.SignEvent) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tKEY\tBACKEND\tOUTCOME")
	for _, e := range events {
		backendCol := "-"
		if e.Backend >= 0 {
			backendCol = fmt.Sprintf("%d %s", e.Backend, e.BackendAddr)
		}
		outcomeCol := string(e.Outcome)
		if e.Error != "" && e.Outcome != store.SignNotRecognized {
			outcomeCol += ": " + e.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s %s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			shortID(e.SessionID),
			e.KeyType, e.Fingerprint,
			backendCol,
			outcomeCol,
		)
	}
	return tw.Flush()
}

// shortID truncates a UUID to its first group.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

func runToken(args []string) error {
	var flags configFlags
	var subject string
	var ttl time.Duration
	flagSet := newFlagSet("token")
	flagSet.StringVar(&subject, "subject", "", "who the token is for (required)")
	flagSet.DurationVar(&ttl, "ttl", defaultTokenTTL, "token lifetime")
	flags.register(flagSet, false)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return errors.New("--subject is required")
	}
	if ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	cfg, _, err := flags.load()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured; the API is unauthenticated")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Now().Add(ttl).UTC().Format("Jan 02, 2006 15:04 MST"))
	return nil
}
