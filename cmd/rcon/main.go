// Command rcon runs console commands on a remote RCON server.
//
// With arguments it runs one command and prints the reply:
//
//	rcon --host 10.0.0.5 --port 27015 status
//
// Without arguments it starts an interactive console.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Zereker/rcon"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const passwordEnv = "RCON_PASSWORD"

type config struct {
	host     string
	port     int
	password string
	timeout  time.Duration
	verbose  bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	cmd := &cobra.Command{
		Use:          "rcon [command...]",
		Short:        "Run commands on a remote console (RCON) server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, cfg, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.host, "host", "H", "127.0.0.1", "server host")
	flags.IntVarP(&cfg.port, "port", "p", 27015, "server port")
	flags.StringVarP(&cfg.password, "password", "P", "", "rcon password (default $"+passwordEnv+", else prompt)")
	flags.DurationVarP(&cfg.timeout, "timeout", "t", 10*time.Second, "timeout for connecting and for each command")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "log protocol traffic to stderr")

	return cmd
}

func run(cmd *cobra.Command, cfg *config, args []string) error {
	level := slog.LevelWarn
	if cfg.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	password, err := resolvePassword(cfg.password, os.Stdin, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := rcon.NewRegistry(rcon.LoggerOption(logger), rcon.DialTimeoutOption(cfg.timeout))

	openCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	h, err := registry.Open(openCtx, cfg.host, cfg.port, password)
	cancel()
	if err != nil {
		return err
	}
	defer registry.Close(h)

	if len(args) > 0 {
		return execute(ctx, cmd.OutOrStdout(), registry, h, strings.Join(args, " "), cfg.timeout)
	}
	return console(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), registry, h, cfg)
}

// execute runs one command and prints its reply with a trailing newline.
func execute(ctx context.Context, out io.Writer, r *rcon.Registry, h rcon.Handle, command string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := r.Exec(ctx, h, command)
	if err != nil {
		return err
	}

	if reply != "" && !strings.HasSuffix(reply, "\n") {
		reply += "\n"
	}
	_, err = io.WriteString(out, reply)
	return err
}

// resolvePassword prefers the flag, then the environment, then a prompt on
// stdin. Without a terminal to prompt on it fails.
func resolvePassword(flagValue string, stdin *os.File, prompt io.Writer) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv(passwordEnv); env != "" {
		return env, nil
	}

	fd := int(stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.Errorf("no password given: use --password or $%s", passwordEnv)
	}

	fmt.Fprint(prompt, "Password: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	return string(b), nil
}
