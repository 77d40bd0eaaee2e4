// ABOUTME: Mock SSH agent for manual end-to-end runs: serves generated ed25519 keys on a socket.
// ABOUTME: Usage: mock-agent [--socket /tmp/mock-agent.sock] [--keys 2] [--comment mock]
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/2389/agentmux/internal/keys"
)

func main() {
	socket := pflag.StringP("socket", "s", "/tmp/mock-agent.sock", "unix socket to serve on")
	count := pflag.IntP("keys", "n", 2, "number of ed25519 keys to generate")
	comment := pflag.String("comment", "mock", "comment prefix for generated keys")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *socket, *count, *comment); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, socket string, count int, comment string) error {
	keyring := agent.NewKeyring()
	for i := 0; i < count; i++ {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generating key: %w", err)
		}
		keyComment := fmt.Sprintf("%s-%d", comment, i)
		if err := keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: keyComment}); err != nil {
			return fmt.Errorf("adding key: %w", err)
		}
		sshPub, err := ssh.NewPublicKey(pub)
		if err != nil {
			return fmt.Errorf("encoding key: %w", err)
		}
		fmt.Fprintln(os.Stderr, keys.Describe(sshPub, keyComment))
	}

	if err := os.Remove(socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing old socket: %w", err)
	}
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	fmt.Fprintf(os.Stderr, "serving %d keys on %s\n", count, socket)
	fmt.Fprintf(os.Stderr, "  SSH_AUTH_SOCK=%s ssh-add -l\n", socket)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go func() {
			defer conn.Close()
			_ = agent.ServeAgent(keyring, conn)
		}()
	}
}
