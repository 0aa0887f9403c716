package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gridlink/gridlink/internal/control"
)

// detachKey is Ctrl-], as in telnet.
const detachKey = 0x1d

func termCmd(a *app) *cobra.Command {
	var grid, shell, name, dir, attach string
	cmd := &cobra.Command{
		Use:   "term",
		Short: "Open a shared terminal and attach to it",
		Long:  "Opens a PTY session shared with the grid, or reattaches to one with --attach. Ctrl-] detaches and leaves the session running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d := a.daemon()
			id := attach
			if id == "" {
				if grid == "" {
					return fmt.Errorf("--grid is required to open a terminal")
				}
				rows, cols := windowSize()
				res, err := d.OpenTerminal(ctx, control.TerminalRequest{
					GridID: grid, Name: name, Shell: shell, Dir: dir, Rows: rows, Cols: cols,
				})
				if err != nil {
					return err
				}
				id = res.ID
				fmt.Fprintf(os.Stderr, "terminal %s (Ctrl-] to detach)\r\n", id)
			}
			return attachTerminal(ctx, d, id)
		},
	}
	cmd.Flags().StringVar(&grid, "grid", "", "grid id")
	cmd.Flags().StringVar(&shell, "shell", "", "shell (default: config terminal.shell)")
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&dir, "cwd", "", "working directory")
	cmd.Flags().StringVar(&attach, "attach", "", "attach to an existing terminal id")
	return cmd
}

func windowSize() (rows, cols int) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 24, 80
	}
	return rows, cols
}

// attachTerminal streams the session to this tty until it ends or the user
// detaches. The terminal is put in raw mode for the duration.
func attachTerminal(ctx context.Context, d *control.Client, id string) error {
	conn, err := d.Attach(ctx, id)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if rows, cols := windowSize(); rows > 0 {
		_ = control.SendResize(ctx, conn, rows, cols)
	}
	stopWinch := onResize(func() {
		rows, cols := windowSize()
		_ = control.SendResize(ctx, conn, rows, cols)
	})
	defer stopWinch()
	return pump(ctx, conn, id, true)
}

// pump copies stdin to conn and conn's binary messages to stdout until the
// stream ends or Ctrl-] is typed. With raw set, a tty stdin is put in raw
// mode for the duration.
func pump(ctx context.Context, conn *websocket.Conn, id string, raw bool) error {
	fd := int(os.Stdin.Fd())
	if raw && term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, old)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	detached := make(chan struct{})
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				cancel()
				return
			}
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
				if i > 0 {
					_ = conn.Write(ctx, websocket.MessageBinary, chunk[:i])
				}
				close(detached)
				cancel()
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-detached:
				conn.Close(websocket.StatusNormalClosure, "detached")
				fmt.Fprintf(os.Stderr, "\r\ndetached from %s\r\n", id)
				return nil
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "\r\n[session %s ended]\r\n", id)
				return nil
			}
			return fmt.Errorf("stream %s: %w", id, err)
		}
		if typ == websocket.MessageBinary {
			if _, err := os.Stdout.Write(data); err != nil {
				return err
			}
		}
	}
}
