// ABOUTME: Tests for CLI helpers such as config path resolution and flag overrides
// ABOUTME: Uses t.Setenv and temp dirs; no network access

package main

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/2389/agentmux/internal/backend"
	"github.com/2389/agentmux/internal/config"
	"github.com/2389/agentmux/internal/keys"
	"github.com/2389/agentmux/internal/store"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env var wins", func(t *testing.T) {
		t.Setenv("AGENTMUX_CONFIG", "/etc/agentmux.toml")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, "/etc/agentmux.toml", getConfigPath())
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv("AGENTMUX_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		assert.Equal(t, "/xdg/agentmux/config.yaml", getConfigPath())
	})

	t.Run("home", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("AGENTMUX_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		assert.Equal(t, filepath.Join(home, ".config", "agentmux", "config.yaml"), getConfigPath())
	})
}

func TestConfigFlags_HostAndTargetsWithoutFile(t *testing.T) {
	t.Setenv("AGENTMUX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	flags := configFlags{host: "/tmp/mux.sock", targets: []string{"/tmp/a.sock", "tcp://127.0.0.1:7000"}}
	cfg, path, err := flags.load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, backend.Descriptor{Scheme: backend.SchemeUnix, Address: "/tmp/mux.sock"}, cfg.ListenDescriptor)
	require.Len(t, cfg.BackendDescriptors, 2)
	assert.Equal(t, backend.SchemeTCP, cfg.BackendDescriptors[1].Scheme)
	assert.Equal(t, config.DefaultDialTimeout, cfg.Agent.DialTimeout)
}

func TestConfigFlags_MissingFileWithoutOverrides(t *testing.T) {
	t.Setenv("AGENTMUX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	flags := configFlags{host: "/tmp/mux.sock"}
	_, _, err := flags.load()
	assert.Error(t, err, "a listen override alone is not a complete config")
}

func TestConfigFlags_ExplicitPathMustExist(t *testing.T) {
	flags := configFlags{
		path:    filepath.Join(t.TempDir(), "missing.yaml"),
		host:    "/tmp/mux.sock",
		targets: []string{"/tmp/a.sock"},
	}
	_, _, err := flags.load()
	assert.Error(t, err)
}

func TestConfigFlags_TargetsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "/tmp/mux.sock"
backends: ["/tmp/file-backend.sock"]
`), 0600))

	flags := configFlags{path: path, targets: []string{"/tmp/flag-backend.sock"}}
	cfg, gotPath, err := flags.load()
	require.NoError(t, err)
	assert.Equal(t, path, gotPath)
	require.Len(t, cfg.BackendDescriptors, 1)
	assert.Equal(t, "/tmp/flag-backend.sock", cfg.BackendDescriptors[0].Address)
}

func TestPrintSignEvents(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []store.SignEvent{
		{SessionID: "0f8e7a1c-aaaa-bbbb-cccc-000000000000", Fingerprint: "SHA256:abc", KeyType: "ssh-ed25519", Backend: 1, BackendAddr: "unix:///run/b.sock", Outcome: store.SignOK, Timestamp: ts},
		{SessionID: "0f8e7a1c-aaaa-bbbb-cccc-000000000000", Fingerprint: "SHA256:def", KeyType: "ssh-rsa", Backend: -1, Outcome: store.SignNotRecognized, Error: "key not recognized", Timestamp: ts},
		{SessionID: "0f8e7a1c-aaaa-bbbb-cccc-000000000000", Fingerprint: "SHA256:abc", KeyType: "ssh-ed25519", Backend: 0, BackendAddr: "unix:///run/a.sock", Outcome: store.SignFailed, Error: "agent: failure", Timestamp: ts},
	}

	var buf bytes.Buffer
	require.NoError(t, printSignEvents(&buf, events))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)

	assert.Contains(t, lines[0], "OUTCOME")
	assert.Contains(t, lines[1], "0f8e7a1c")
	assert.NotContains(t, lines[1], "aaaa")
	assert.Contains(t, lines[1], "1 unix:///run/b.sock")
	assert.Contains(t, lines[2], "not_recognized")
	assert.NotContains(t, lines[2], "key not recognized")
	assert.Contains(t, lines[3], "error: agent: failure")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0f8e7a1c", shortID("0f8e7a1c-aaaa-bbbb"))
	assert.Equal(t, "plain", shortID("plain"))
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(newHandler(config.LoggingConfig{Level: "info", Format: "text"}, &buf))

	logger.Debug("hidden")
	logger.With("component", "proxy").WithGroup("req").Info("served", "status", 200)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF served")
	assert.Contains(t, out, "component=proxy")
	assert.Contains(t, out, "req.status=200")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestKeyFileFingerprint(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "id_ed25519.pub")
	content := "# work key\n\n" + strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " me@laptop\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	fp, err := keyFileFingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, keys.Fingerprint(sshPub), fp)

	t.Run("no key", func(t *testing.T) {
		empty := filepath.Join(dir, "empty.pub")
		require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o600))
		_, err := keyFileFingerprint(empty)
		assert.ErrorContains(t, err, "no public key found")
	})

	t.Run("garbage", func(t *testing.T) {
		bad := filepath.Join(dir, "bad.pub")
		require.NoError(t, os.WriteFile(bad, []byte("ssh-ed25519 garbage\n"), 0o600))
		_, err := keyFileFingerprint(bad)
		assert.ErrorContains(t, err, "invalid public key")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := keyFileFingerprint(filepath.Join(dir, "nope.pub"))
		assert.ErrorContains(t, err, "reading key file")
	})
}
