package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
	"github.com/irc-web-terminal/backend/internal/pty"
	"github.com/irc-web-terminal/backend/internal/workspace"
)

const (
	initialCols = 80
	initialRows = 24
)

// PTYSpawner prepares the identity's workspace and runs its startup script on
// a pseudo-terminal.
type PTYSpawner struct {
	Workspace *workspace.Manager

	// RecordDir enables asciinema recordings when set.
	RecordDir string

	Logger *zap.Logger
}

// Spawn implements Spawner.
func (p *PTYSpawner) Spawn(ctx context.Context, identity string) (Process, error) {
	log := logger.OrNop(p.Logger).With(zap.String("identity", identity))

	layout, err := p.Workspace.Prepare(identity)
	if err != nil {
		return nil, err
	}

	var rec *logger.CastRecorder
	if p.RecordDir != "" {
		rec, err = logger.CreateCast(p.RecordDir, identity, initialCols, initialRows)
		if err != nil {
			// Recording is best effort.
			log.Warn("recording disabled", zap.Error(err))
			rec = nil
		}
	}

	h, err := pty.Start(pty.Options{
		Command:  "/bin/bash",
		Args:     []string{layout.Script},
		Dir:      layout.Dir,
		Env:      layout.Env(),
		Cols:     initialCols,
		Rows:     initialRows,
		Recorder: rec,
		Logger:   log,
	})
	if err != nil {
		if rec != nil {
			rec.Close()
		}
		return nil, &model.SpawnError{Identity: identity, Op: "start", Err: err}
	}

	log.Debug("terminal process started", zap.Int("pid", h.PID()), zap.String("script", layout.Script))
	return h, nil
}
