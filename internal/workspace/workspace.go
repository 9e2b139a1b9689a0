// Package workspace prepares the per-identity directory, tmux configuration and
// generated startup scripts that a terminal process runs in.
//
// Everything here is rewritten on every session creation, so a damaged or
// stale workspace heals itself the next time the user connects.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
)

// DefaultPath is the fixed PATH exported to every terminal process.
const DefaultPath = "/usr/local/bin:/usr/bin:/bin:/usr/local/sbin:/usr/sbin:/sbin"

const (
	scriptName   = "startup.sh"
	loopName     = "irssi-loop.sh"
	tmuxConfName = ".tmux.conf"
	socketName   = ".tmux-socket"
	logName      = "session.log"
)

const tmuxConf = `set -g aggressive-resize on
set -g history-limit 50000
set -g focus-events on
set -g default-terminal "screen-256color"
`

// Options configures a Manager.
type Options struct {
	// BaseDir holds one subdirectory per identity.
	BaseDir string

	// TmuxBin and IrssiBin are the preferred absolute binary locations.
	TmuxBin  string
	IrssiBin string

	// FallbackDirs are searched, in order, when a preferred binary is not executable.
	FallbackDirs []string

	// Locale, when set, is exported as LANG and LC_ALL.
	Locale string

	// RestartDelay is how long the restart loop waits before relaunching irssi.
	RestartDelay time.Duration

	Logger *zap.Logger
}

// Layout describes a prepared workspace.
type Layout struct {
	Identity string
	Dir      string
	Script   string
	Loop     string
	TmuxConf string
	Socket   string
	LogFile  string
	TmuxBin  string
	IrssiBin string
	Locale   string
}

// SessionName is the tmux session that survives browser reconnects.
func (l Layout) SessionName() string {
	return l.Identity + "-irssi"
}

// Env returns the complete environment for the terminal process. Nothing is
// inherited from the server process.
func (l Layout) Env() []string {
	env := []string{
		"PATH=" + DefaultPath,
		"HOME=" + l.Dir,
		"TERM=xterm-256color",
		"USER=" + l.Identity,
		"SHELL=/bin/bash",
	}
	if l.Locale != "" {
		env = append(env, "LANG="+l.Locale, "LC_ALL="+l.Locale)
	}
	return env
}

// Manager creates and resets identity workspaces.
type Manager struct {
	opts       Options
	log        *zap.Logger
	executable func(path string) bool
}

// NewManager creates a Manager. Zero-valued binary options fall back to /usr/bin.
func NewManager(opts Options) *Manager {
	if opts.TmuxBin == "" {
		opts.TmuxBin = "/usr/bin/tmux"
	}
	if opts.IrssiBin == "" {
		opts.IrssiBin = "/usr/bin/irssi"
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 2 * time.Second
	}
	return &Manager{
		opts:       opts,
		log:        logger.OrNop(opts.Logger).With(zap.String("component", "workspace")),
		executable: isExecutable,
	}
}

// Dir returns the working directory for an identity.
func (m *Manager) Dir(identity string) (string, error) {
	if err := model.ValidateIdentity(identity); err != nil {
		return "", err
	}
	return filepath.Join(m.opts.BaseDir, identity), nil
}

// Prepare resolves the required binaries and (re)writes the identity's
// directory, tmux configuration and scripts. Failures are *model.SpawnError.
func (m *Manager) Prepare(identity string) (Layout, error) {
	dir, err := m.Dir(identity)
	if err != nil {
		return Layout{}, &model.SpawnError{Identity: identity, Op: "validate", Err: err}
	}

	tmuxBin, err := m.resolve(m.opts.TmuxBin)
	if err != nil {
		return Layout{}, &model.SpawnError{Identity: identity, Op: "lookup tmux", Err: err}
	}
	irssiBin, err := m.resolve(m.opts.IrssiBin)
	if err != nil {
		return Layout{}, &model.SpawnError{Identity: identity, Op: "lookup irssi", Err: err}
	}

	layout := Layout{
		Identity: identity,
		Dir:      dir,
		Script:   filepath.Join(dir, scriptName),
		Loop:     filepath.Join(dir, loopName),
		TmuxConf: filepath.Join(dir, tmuxConfName),
		Socket:   filepath.Join(dir, socketName),
		LogFile:  filepath.Join(dir, logName),
		TmuxBin:  tmuxBin,
		IrssiBin: irssiBin,
		Locale:   m.opts.Locale,
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Layout{}, &model.SpawnError{Identity: identity, Op: "create dir", Err: err}
	}
	if err := m.writeFiles(layout); err != nil {
		return Layout{}, &model.SpawnError{Identity: identity, Op: "write scripts", Err: err}
	}

	m.log.Debug("workspace prepared",
		zap.String("identity", identity),
		zap.String("dir", dir),
		zap.String("tmux", tmuxBin),
		zap.String("irssi", irssiBin))

	return layout, nil
}

// StopServer shuts down the identity's tmux server, taking the irssi restart
// loop with it. A missing socket or an already stopped server is not an error.
func (m *Manager) StopServer(ctx context.Context, identity string) error {
	dir, err := m.Dir(identity)
	if err != nil {
		return err
	}
	socket := filepath.Join(dir, socketName)
	if _, err := os.Stat(socket); err != nil {
		return nil
	}
	tmuxBin, err := m.resolve(m.opts.TmuxBin)
	if err != nil {
		return err
	}

	out, err := exec.CommandContext(ctx, tmuxBin, "-S", socket, "kill-server").CombinedOutput()
	if err != nil {
		m.log.Debug("tmux kill-server failed",
			zap.String("identity", identity),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
	}
	return nil
}

// Reset stops the tmux server, then deletes and recreates the identity's
// directory. The caller must make sure the terminal process has exited.
func (m *Manager) Reset(ctx context.Context, identity string) error {
	dir, err := m.Dir(identity)
	if err != nil {
		return err
	}
	if err := m.StopServer(ctx, identity); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to recreate workspace %s: %w", dir, err)
	}
	m.log.Info("workspace reset", zap.String("identity", identity))
	return nil
}

func (m *Manager) writeFiles(l Layout) error {
	data := scriptData{
		Layout:         l,
		Path:           DefaultPath,
		RestartSeconds: sleepSeconds(m.opts.RestartDelay),
	}

	startup, err := render(startupTemplate, data)
	if err != nil {
		return err
	}
	loop, err := render(loopTemplate, data)
	if err != nil {
		return err
	}

	files := []struct {
		path string
		body []byte
		mode os.FileMode
	}{
		{l.TmuxConf, []byte(tmuxConf), 0o644},
		{l.Loop, loop, 0o755},
		{l.Script, startup, 0o755},
	}
	for _, f := range files {
		if err := writeFileAtomic(f.path, f.body, f.mode); err != nil {
			return err
		}
	}
	return nil
}

// resolve returns preferred if it is executable, otherwise the first
// executable file with the same base name in the fallback dirs.
func (m *Manager) resolve(preferred string) (string, error) {
	if m.executable(preferred) {
		return preferred, nil
	}
	base := filepath.Base(preferred)
	for _, dir := range m.opts.FallbackDirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, base)
		if m.executable(candidate) {
			m.log.Warn("using fallback binary",
				zap.String("preferred", preferred),
				zap.String("found", candidate))
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s not executable and not found in %s", preferred, strings.Join(m.opts.FallbackDirs, ":"))
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// writeFileAtomic replaces path so a concurrently starting shell never reads a
// half-written script.
func writeFileAtomic(path string, body []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to install %s: %w", path, err)
	}
	return nil
}

type scriptData struct {
	Layout
	Path           string
	RestartSeconds string
}

// sleepSeconds renders d as a sleep(1) argument, keeping fractions ("1.5").
func sleepSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// shellQuote wraps s in single quotes so the shell treats it as one literal word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func render(t *template.Template, data scriptData) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

var funcs = template.FuncMap{"q": shellQuote}

var startupTemplate = template.Must(template.New(scriptName).Funcs(funcs).Parse(`#!/bin/bash
# Generated on every session start; local edits are overwritten.

export PATH={{q .Path}}
export HOME={{q .Dir}}
export USER={{q .Identity}}
export TERM=xterm-256color
export SHELL=/bin/bash
{{- if .Locale}}
export LANG={{q .Locale}}
export LC_ALL={{q .Locale}}
{{- end}}

trap '' INT TERM QUIT

TMUX_BIN={{q .TmuxBin}}
TMUX_SOCKET={{q .Socket}}
TMUX_CONF={{q .TmuxConf}}
TMUX_SESSION={{q .SessionName}}
LOG_FILE={{q .LogFile}}

log_msg() {
    echo "[$(date '+%Y-%m-%d %H:%M:%S')] $1" >> "$LOG_FILE"
}

log_msg "Starting session for $USER"

if "$TMUX_BIN" -S "$TMUX_SOCKET" has-session -t "$TMUX_SESSION" 2>/dev/null; then
    log_msg "Attaching to existing session: $TMUX_SESSION"
else
    log_msg "Creating new detached session: $TMUX_SESSION"
    "$TMUX_BIN" -S "$TMUX_SOCKET" -f "$TMUX_CONF" new-session -d -s "$TMUX_SESSION" -c "$HOME" /bin/bash {{q .Loop}}
fi

exec "$TMUX_BIN" -S "$TMUX_SOCKET" attach-session -t "$TMUX_SESSION"
`))

var loopTemplate = template.Must(template.New(loopName).Funcs(funcs).Parse(`#!/bin/bash
# Keeps irssi running inside the tmux session; generated on every session start.

IRSSI_BIN={{q .IrssiBin}}
LOG_FILE={{q .LogFile}}

log_msg() {
    echo "[$(date '+%Y-%m-%d %H:%M:%S')] $1" >> "$LOG_FILE"
}

while true; do
    log_msg "Starting irssi"
    "$IRSSI_BIN" --home={{q .Dir}} --nick={{q .Identity}}
    EXIT_CODE=$?
    log_msg "irssi exited with code $EXIT_CODE"
    echo "irssi exited. Restarting in {{.RestartSeconds}} seconds..."
    sleep {{.RestartSeconds}}
done
`))
