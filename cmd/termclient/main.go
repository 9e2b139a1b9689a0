// Command termclient attaches the local terminal to a user's irssi session.
//
// Press Ctrl-] followed by q to quit, r to force a repaint or c to reconnect.
// Ctrl-] twice sends a literal Ctrl-] to the session.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/irc-web-terminal/backend/internal/client"
	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
)

const escapeKey = 0x1d // Ctrl-]

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	url         string
	token       string
	logLevel    string
	maxAttempts int
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "termclient",
		Short:         "Attach this terminal to an IRC web terminal session",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.token == "" {
				opts.token = os.Getenv("IRCWEB_TOKEN")
			}
			if opts.token == "" {
				return errors.New("--token or IRCWEB_TOKEN is required")
			}
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:3001/terminal", "terminal websocket endpoint")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (or set IRCWEB_TOKEN)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "error", "log level written to stderr")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", client.DefaultMaxAttempts, "reconnect attempts before giving up")
	return cmd
}

func run(ctx context.Context, opts options) error {
	log, err := logger.New(opts.logLevel, false)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	stdin := int(os.Stdin.Fd())
	if !term.IsTerminal(stdin) {
		return errors.New("stdin is not a terminal")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	r := client.NewReconnector(client.Options{
		Dialer:      &client.WebsocketDialer{URL: opts.url},
		MaxAttempts: opts.maxAttempts,
		OnOutput: func(data string) {
			io.WriteString(os.Stdout, data) //nolint:errcheck
		},
		OnStatus: func(state client.State, attempt int, err error) {
			switch state {
			case client.Reconnecting:
				fmt.Fprintf(os.Stderr, "\r\n[connection lost, reconnect attempt %d]\r\n", attempt)
			case client.Disconnected:
				if errors.Is(err, model.ErrUnauthorized) {
					select {
					case done <- err:
					default:
					}
					return
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "\r\n[disconnected: %v; Ctrl-] c reconnects, Ctrl-] q quits]\r\n", err)
				}
			}
		},
		Logger: log,
	})
	vp := client.NewViewport(r, nil)

	if cols, rows, err := term.GetSize(stdin); err == nil {
		r.Resize(cols, rows) //nolint:errcheck
		vp.Fit(cols, rows)
	}

	state, err := term.MakeRaw(stdin)
	if err != nil {
		return fmt.Errorf("failed to enter raw mode: %w", err)
	}
	defer term.Restore(stdin, state) //nolint:errcheck

	if err := r.Connect(opts.token); err != nil {
		return err
	}
	defer r.Disconnect()

	stopResize := watchResize(func() {
		if cols, rows, err := term.GetSize(stdin); err == nil {
			vp.Fit(cols, rows)
		}
	})
	defer stopResize()

	go pumpInput(os.Stdin, r, vp, log, done)

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "\r\n[disconnected: %v]\r\n", err)
		}
		return err
	}
}

// pumpInput forwards keystrokes until the escape sequence asks to quit.
func pumpInput(in io.Reader, r *client.Reconnector, vp *client.Viewport, log *zap.Logger, done chan<- error) {
	keys := &escapeFilter{
		send: func(p []byte) { forward(p, vp, log) },
		command: func(b byte) bool {
			switch b {
			case 'q':
				return false
			case 'r':
				if err := vp.ForceRefresh(); err != nil {
					log.Debug("refresh failed", zap.Error(err))
				}
			case 'c':
				if err := r.Connect(""); err != nil {
					log.Debug("reconnect failed", zap.Error(err))
				}
			}
			return true
		},
	}

	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if err != nil {
			done <- nil
			return
		}
		if !keys.feed(buf[:n]) {
			done <- nil
			return
		}
	}
}

// escapeFilter splits keyboard input into bytes for the terminal and
// commands introduced by escapeKey. A doubled escapeKey sends one literal
// escapeKey through.
type escapeFilter struct {
	send    func(p []byte)
	command func(b byte) (keepGoing bool)

	escaped bool
}

// feed processes one read. It returns false when a command asks to stop.
func (f *escapeFilter) feed(p []byte) bool {
	start := 0
	for i, b := range p {
		if f.escaped {
			f.escaped = false
			if b == escapeKey {
				// Sent with the bytes that follow.
				start = i
				continue
			}
			start = i + 1
			if !f.command(b) {
				return false
			}
			continue
		}
		if b == escapeKey {
			if i > start {
				f.send(p[start:i])
			}
			f.escaped = true
		}
	}
	if !f.escaped && start < len(p) {
		f.send(p[start:])
	}
	return true
}

func forward(p []byte, vp *client.Viewport, log *zap.Logger) {
	if len(p) == 0 {
		return
	}
	if err := vp.SendInput(string(p)); err != nil && !errors.Is(err, client.ErrNotOpen) {
		log.Debug("input dropped", zap.Error(err))
	}
}
