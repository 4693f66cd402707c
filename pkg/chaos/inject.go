package chaos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/config"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/rs/zerolog"
)

// Injector stops, starts and pauses store nodes
type Injector interface {
	StopNode(ctx context.Context, rec types.NodeRecord) error
	StartNode(ctx context.Context, rec types.NodeRecord) error
	// PauseNode makes the node unresponsive for d. It returns without
	// waiting for the pause to end.
	PauseNode(ctx context.Context, rec types.NodeRecord, d time.Duration) error
}

// ErrNoStartCommand is returned by ExecInjector.StartNode when no start
// template is configured: a stopped process cannot be restarted over the
// store protocol.
var ErrNoStartCommand = errors.New("no start command configured (set chaos.start_command)")

// DefaultCommandTimeout bounds each injection command
const DefaultCommandTimeout = 30 * time.Second

// ExecInjector runs operator-supplied shell command templates. The
// placeholders {host}, {port}, {id} and {seconds} are substituted before the
// command is passed to sh -c. Stop and pause fall back to SHUTDOWN NOSAVE and
// DEBUG SLEEP when their template is empty.
type ExecInjector struct {
	StopCommand  string
	StartCommand string
	PauseCommand string
	Timeout      time.Duration

	dialer client.Dialer
	logger zerolog.Logger
}

var _ Injector = (*ExecInjector)(nil)

// NewExecInjector creates an injector from the chaos configuration
func NewExecInjector(cfg config.ChaosConfig, dialer client.Dialer) *ExecInjector {
	return &ExecInjector{
		StopCommand:  cfg.StopCommand,
		StartCommand: cfg.StartCommand,
		PauseCommand: cfg.PauseCommand,
		Timeout:      DefaultCommandTimeout,
		dialer:       dialer,
		logger:       log.WithComponent("chaos"),
	}
}

// StopNode stops the node process
func (e *ExecInjector) StopNode(ctx context.Context, rec types.NodeRecord) error {
	if e.StopCommand != "" {
		return e.run(ctx, e.StopCommand, rec, 0)
	}
	err := e.dialer.Dial(rec.Endpoint).Shutdown(ctx, false)
	// The node closes the connection instead of replying
	if errdefs.IsUnreachable(err) {
		return nil
	}
	return err
}

// StartNode starts a stopped node process
func (e *ExecInjector) StartNode(ctx context.Context, rec types.NodeRecord) error {
	if e.StartCommand == "" {
		return ErrNoStartCommand
	}
	return e.run(ctx, e.StartCommand, rec, 0)
}

// PauseNode freezes the node for d
func (e *ExecInjector) PauseNode(ctx context.Context, rec types.NodeRecord, d time.Duration) error {
	if e.PauseCommand != "" {
		return e.run(ctx, e.PauseCommand, rec, d)
	}
	node := e.dialer.Dial(rec.Endpoint)
	go func() {
		if err := node.Pause(context.WithoutCancel(ctx), d); err != nil {
			e.logger.Debug().Err(err).Str("node_id", string(rec.ID)).Msg("DEBUG SLEEP returned an error")
		}
	}()
	return nil
}

// Expand substitutes the placeholders of tmpl for rec
func Expand(tmpl string, rec types.NodeRecord, d time.Duration) string {
	return strings.NewReplacer(
		"{host}", rec.Endpoint.Host,
		"{port}", strconv.Itoa(rec.Endpoint.Port),
		"{id}", string(rec.ID),
		"{seconds}", strconv.FormatFloat(d.Seconds(), 'f', -1, 64),
	).Replace(tmpl)
}

func (e *ExecInjector) run(ctx context.Context, tmpl string, rec types.NodeRecord, d time.Duration) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	line := Expand(tmpl, rec, d)
	cmd := exec.CommandContext(execCtx, "sh", "-c", line)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.logger.Info().Str("command", line).Str("node_id", string(rec.ID)).Msg("Running injection command")
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("command %q failed: %w: %s", line, err, msg)
		}
		return fmt.Errorf("command %q failed: %w", line, err)
	}
	return nil
}
