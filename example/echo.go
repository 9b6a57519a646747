// Command echo runs an RCON server that answers every command with the
// command text itself. Handy for trying the rcon CLI:
//
//	go run ./example -password secret
//	rcon --port 27015 --password secret status
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/Zereker/rcon"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:27015", "listen address")
	password := flag.String("password", "secret", "rcon password")
	flag.Parse()

	addr, err := net.ResolveTCPAddr("tcp", *addrFlag)
	if err != nil {
		slog.Error("invalid address", "addr", *addrFlag, "error", err)
		os.Exit(1)
	}

	server, err := rcon.NewServer(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	var served atomic.Int64
	responder := &rcon.Responder{
		Password: *password,
		Executor: rcon.ExecutorFunc(func(command string) string {
			n := served.Add(1)
			if strings.EqualFold(command, "status") {
				return fmt.Sprintf("commands served: %d\n", n)
			}
			return command + "\n"
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	if err := server.Serve(ctx, responder); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
