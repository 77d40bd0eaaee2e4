// ABOUTME: Entry point for agentmux, the SSH agent multiplexer
// ABOUTME: Dispatches the serve subcommand and the client-side helpers

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/agentmux/internal/config"
	"github.com/2389/agentmux/internal/proxy"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                         _
  __ _  __ _  ___ _ __ | |_ _ __ ___  _   ___  __
 / _' |/ _' |/ _ \ '_ \| __| '_ ' _ \| | | \ \/ /
| (_| | (_| |  __/ | | | |_| | | | | | |_| |>  <
 \__,_|\__, |\___|_| |_|\__|_| |_| |_|\__,_/_/\_\
       |___/
`

const usage = `Usage: agentmux <command> [flags]

Commands:
  serve    Serve the combined agent
  init     Write an example config file
  keys     List the identities the combined agent offers
  check    Probe every configured backend
  health   Check the status server
  audit    Show recent sign requests
  token    Mint a token for the status API
  version  Print the version

Run "agentmux <command> --help" for the flags of a command.
`

// getConfigPath returns the path to the config file.
// Priority: AGENTMUX_CONFIG env var > XDG_CONFIG_HOME/agentmux/config.yaml > ~/.config/agentmux/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENTMUX_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agentmux", "config.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "keys":
		err = runKeys(ctx, args)
	case "check":
		err = runCheck(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "audit":
		err = runAudit(ctx, args)
	case "token":
		err = runToken(args)
	case "version", "--version":
		fmt.Println(version)
	case "help", "--help", "-h":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configFlags are the flags every config-reading command accepts.
type configFlags struct {
	path    string
	host    string
	targets []string
}

func (f *configFlags) register(flagSet *pflag.FlagSet, overrides bool) {
	flagSet.StringVarP(&f.path, "config", "c", "", "config file (default: $AGENTMUX_CONFIG or ~/.config/agentmux/config.yaml)")
	if overrides {
		flagSet.StringVar(&f.host, "host", "", "descriptor to listen on, overriding listen")
		flagSet.StringArrayVarP(&f.targets, "target", "t", nil, "backend agent descriptor, repeatable, overriding backends")
	}
}

// load reads the config and applies --host and --target. When both are given
// and no config file exists, defaults are used for everything else.
func (f *configFlags) load() (*config.Config, string, error) {
	path := f.path
	if path == "" {
		path = getConfigPath()
	}

	cfg, err := config.Read(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && f.path == "" && f.host != "" && len(f.targets) > 0:
		cfg, path = &config.Config{}, ""
	default:
		return nil, path, fmt.Errorf("loading config: %w", err)
	}

	cfg.Override(f.host, f.targets)
	if err := cfg.Finalize(); err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newFlagSet creates a flag set that reports errors instead of exiting.
func newFlagSet(name string) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("agentmux "+name, pflag.ContinueOnError)
	flagSet.SortFlags = false
	return flagSet
}

func runServe(ctx context.Context, args []string) error {
	var flags configFlags
	flagSet := newFlagSet("serve")
	flags.register(flagSet, true)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Fprint(os.Stderr, banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "    version: %s\n\n", version)

	cfg, configPath, err := flags.load()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	printField := func(label, value string) {
		green.Fprint(os.Stderr, "    ▶ ")
		fmt.Fprintf(os.Stderr, "%-10s %s\n", label+":", value)
	}
	if configPath != "" {
		printField("Config", configPath)
	}
	printField("Listen", cfg.ListenDescriptor.String())
	for i, d := range cfg.BackendDescriptors {
		printField(fmt.Sprintf("Backend %d", i), d.String())
	}
	if cfg.Server.HTTPAddr != "" {
		printField("HTTP", cfg.Server.HTTPAddr)
	}
	if cfg.Server.GRPCAddr != "" {
		printField("gRPC", cfg.Server.GRPCAddr)
	}
	if cfg.Tailscale.Enabled {
		green.Fprint(os.Stderr, "    ▶ ")
		fmt.Fprintf(os.Stderr, "%-10s ", "Tailscale:")
		cyan.Fprintf(os.Stderr, "%s:%d", cfg.Tailscale.Hostname, cfg.Tailscale.Port)
		if cfg.Tailscale.Ephemeral {
			gray.Fprint(os.Stderr, " (ephemeral)")
		}
		fmt.Fprintln(os.Stderr)
	}
	if cfg.Database.Path != "" {
		printField("Audit", cfg.Database.Path)
	}
	fmt.Fprintln(os.Stderr)

	p, err := proxy.New(cfg, version, logger)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	return p.Run(ctx)
}
