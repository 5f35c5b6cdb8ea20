// Package cli provides the command-line front end of the tunnel daemon.
// Every command talks to a running daemon over its control socket.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/yllada/tunneld/common"
	"github.com/yllada/tunneld/control"
	"github.com/yllada/tunneld/vpn"
)

// CLI represents the command-line interface.
type CLI struct {
	client *control.Client
	socket string
	out    io.Writer
}

// New creates a CLI talking to the daemon at socket.
func New(socket string) *CLI {
	return &CLI{
		client: control.NewClient(socket),
		socket: socket,
		out:    os.Stdout,
	}
}

func oneShot(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, common.ControlTimeout)
}

func readPayload(path string) ([]byte, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("config file %s is empty", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return data, abs, nil
}

// Prepare hands a config file to the daemon without starting the tunnel.
func (c *CLI) Prepare(ctx context.Context, file string) error {
	payload, source, err := readPayload(file)
	if err != nil {
		return err
	}
	ctx, cancel := oneShot(ctx)
	defer cancel()
	if err := c.client.PrepareConfig(ctx, payload, source); err != nil {
		return fmt.Errorf("prepare failed: %w", err)
	}
	fmt.Fprintf(c.out, "✓ Config %s prepared\n", source)
	return nil
}

// Start starts the tunnel, from file if given or from the daemon's cached
// config otherwise. It waits as long as the daemon needs, including for the
// user to answer a consent prompt.
func (c *CLI) Start(ctx context.Context, mode, file string) error {
	var payload []byte
	var source string
	if file != "" {
		var err error
		if payload, source, err = readPayload(file); err != nil {
			return err
		}
	}

	if mode == "" {
		fmt.Fprintln(c.out, "Starting tunnel...")
	} else {
		fmt.Fprintf(c.out, "Starting tunnel (%s)...\n", mode)
	}

	res, err := c.client.Start(ctx, mode, payload, source)
	if err != nil {
		return describeStartError(err)
	}
	if res == vpn.ResultAlreadyRunning {
		fmt.Fprintln(c.out, "Tunnel is already running.")
		return nil
	}
	fmt.Fprintln(c.out, "✓ Tunnel running")
	return nil
}

func describeStartError(err error) error {
	var startErr *vpn.EngineStartError
	switch {
	case errors.As(err, &startErr):
		return fmt.Errorf("engine failed to start: %s", startErr.Reason)
	case errors.Is(err, vpn.ErrInvalidConfig):
		return fmt.Errorf("no config: pass --config FILE or run --prepare first")
	case errors.Is(err, vpn.ErrPermissionDenied):
		return fmt.Errorf("permission to create the network interface was denied")
	case errors.Is(err, vpn.ErrNoInteractiveSurface):
		return fmt.Errorf("permission required but the daemon cannot ask for it; answer with --grant TOKEN from a session that sees the prompt")
	case errors.Is(err, vpn.ErrCancelled):
		return fmt.Errorf("start cancelled by a stop request")
	case errors.Is(err, vpn.ErrOperationInProgress):
		return fmt.Errorf("another start or stop is in progress")
	}
	return fmt.Errorf("start failed: %w", err)
}

// Stop stops the tunnel.
func (c *CLI) Stop(ctx context.Context) error {
	fmt.Fprintln(c.out, "Stopping tunnel...")
	if err := c.client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(c.out, "✓ Tunnel stopped")
	return nil
}

// Status shows the current tunnel status.
func (c *CLI) Status(ctx context.Context) error {
	ctx, cancel := oneShot(ctx)
	defer cancel()
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}

	message := st.Message
	if message == "" {
		message = "-"
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tDETAIL\tSOCKET")
	fmt.Fprintln(w, "------\t------\t------")
	fmt.Fprintf(w, "%s\t%s\t%s\n", st.Phase, message, c.socket)
	return w.Flush()
}

// Watch prints every status transition until ctx ends or the daemon exits.
func (c *CLI) Watch(ctx context.Context) error {
	err := c.client.WatchStatus(ctx, func(st vpn.State) {
		fmt.Fprintln(c.out, st)
	})
	return ignoreCancel(err)
}

// Logs prints engine log lines until ctx ends or the daemon exits.
func (c *CLI) Logs(ctx context.Context) error {
	err := c.client.WatchLogs(ctx, func(line string) {
		fmt.Fprintln(c.out, line)
	})
	return ignoreCancel(err)
}

// Answer grants or denies the pending consent prompt identified by token.
func (c *CLI) Answer(ctx context.Context, token string, granted bool) error {
	ctx, cancel := oneShot(ctx)
	defer cancel()
	if err := c.client.AnswerPermission(ctx, token, granted); err != nil {
		if errors.Is(err, vpn.ErrUnknownPermissionRequest) {
			return fmt.Errorf("no pending permission request %s", token)
		}
		return err
	}
	if granted {
		fmt.Fprintln(c.out, "✓ Permission granted")
	} else {
		fmt.Fprintln(c.out, "✓ Permission denied")
	}
	return nil
}

// Revoke forgets the stored consent and stops a running tunnel.
func (c *CLI) Revoke(ctx context.Context) error {
	ctx, cancel := oneShot(ctx)
	defer cancel()
	if err := c.client.Revoke(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "✓ Consent revoked")
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`Tunnel Daemon - Command Line Interface

Usage:
  tunneld [OPTIONS]

Daemon:
  --daemon            Run the daemon in the foreground
  --config-file FILE  Daemon configuration (default ~/.config/tunneld/config.yaml)
  --socket PATH       Control socket (default $XDG_RUNTIME_DIR/tunneld/tunneld.sock)

Commands:
  --prepare FILE      Hand a tunnel config to the daemon without starting
  --start             Start the tunnel
    --mode MODE       Work mode (tun or proxy; daemon default if omitted)
    --config FILE     Tunnel config to start with (cached config if omitted)
  --stop              Stop the tunnel
  --status            Show the current tunnel status
  --watch             Stream status transitions
  --logs              Stream engine log lines
  --grant TOKEN       Allow a pending interface permission request
  --deny TOKEN        Refuse a pending interface permission request
  --revoke            Forget stored consent and stop the tunnel

Other:
  --version           Show version and exit
  --verbose           Enable verbose logging
  --help              Show this help message

Examples:
  tunneld --daemon
  tunneld --start --config ./tunnel.json
  tunneld --start --mode proxy
  tunneld --watch`)
}
