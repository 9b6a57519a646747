package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Zereker/rcon"
	"github.com/ergochat/readline"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

const (
	historyFileName = ".rcon_history"
	historySize     = 500
)

// lineEditor reads console input: readline with history on a terminal,
// plain line scanning otherwise.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
}

func newLineEditor(in io.Reader, errOut io.Writer) *lineEditor {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return &lineEditor{scanner: bufio.NewScanner(in)}
	}

	cfg := &readline.Config{
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	}
	if home, err := os.UserHomeDir(); err == nil {
		cfg.HistoryFile = filepath.Join(home, historyFileName)
	}

	rl, err := readline.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "warning: line editing unavailable (%v)\n", err)
		return &lineEditor{scanner: bufio.NewScanner(in)}
	}
	return &lineEditor{rl: rl}
}

// readLine returns the next line, or io.EOF at end of input or on Ctrl-C.
func (le *lineEditor) readLine(prompt string) (string, error) {
	if le.rl == nil {
		if le.scanner.Scan() {
			return le.scanner.Text(), nil
		}
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}

	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *lineEditor) close() {
	if le.rl != nil {
		le.rl.Close()
	}
}

// console runs commands read from stdin until EOF, "exit" or "quit".
// Errors that leave the session unusable end the console.
func console(ctx context.Context, out, errOut io.Writer, r *rcon.Registry, h rcon.Handle, cfg *config) error {
	le := newLineEditor(os.Stdin, errOut)
	defer le.close()

	prompt := fmt.Sprintf("%s:%d> ", cfg.host, cfg.port)
	for {
		line, err := le.readLine(prompt)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		command := strings.TrimSpace(line)
		switch command {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		err = execute(ctx, out, r, h, command, cfg.timeout)
		if errors.Is(err, rcon.ErrInvalidArgument) {
			fmt.Fprintln(errOut, err)
			continue
		}
		if err != nil {
			return err
		}
	}
}
