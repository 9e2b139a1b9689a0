package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/irc-web-terminal/backend/internal/logger"
	"github.com/irc-web-terminal/backend/internal/model"
	"github.com/irc-web-terminal/backend/internal/protocol"
)

const (
	// DefaultRefreshDelay is the wait between a resize and the repaint request.
	DefaultRefreshDelay = 50 * time.Millisecond

	// DefaultAttachRefresh is the wait between an attach and the repaint request.
	DefaultAttachRefresh = 100 * time.Millisecond

	// attachAttempts bounds retries when a session dies while a channel attaches.
	attachAttempts = 3

	// refreshKey is Ctrl+L, which makes irssi and tmux redraw the screen.
	refreshKey = 0x0c
)

// PolicyNotice is sent to a channel whose input was dropped by the guard.
const PolicyNotice = "\r\n\x1b[1;31m[BLOCKED] /quit and /exit are disabled.\x1b[0m\r\n"

// blockedCommands end the irssi process that every viewer shares.
var blockedCommands = []string{"/quit", "/exit"}

// Options configures a Broker.
type Options struct {
	Spawner Spawner

	// Journal is optional.
	Journal Journal

	// Workspace is required by ClearSession.
	Workspace Resetter

	RefreshDelay  time.Duration
	AttachRefresh time.Duration
	HistorySize   int

	Logger *zap.Logger
}

// Broker owns every live session and routes traffic between channels and
// terminal processes.
type Broker struct {
	opts     Options
	log      *zap.Logger
	registry *Registry

	mu      sync.Mutex
	members map[Channel]*Session
}

// NewBroker creates a Broker.
func NewBroker(opts Options) *Broker {
	if opts.RefreshDelay <= 0 {
		opts.RefreshDelay = DefaultRefreshDelay
	}
	if opts.AttachRefresh <= 0 {
		opts.AttachRefresh = DefaultAttachRefresh
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Broker{
		opts:     opts,
		log:      logger.OrNop(opts.Logger).With(zap.String("component", "broker")),
		registry: NewRegistry(),
		members:  make(map[Channel]*Session),
	}
}

// Attach joins ch to the identity's session, spawning the terminal process
// if none is running. The channel first receives the recent output history,
// then live output. On error nothing is registered and the caller owns ch.
func (b *Broker) Attach(ctx context.Context, identity string, ch Channel) (*Session, error) {
	if err := model.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < attachAttempts; attempt++ {
		s, err := b.registry.GetOrCreate(ctx, identity, func(ctx context.Context) (*Session, error) {
			return b.spawn(ctx, identity)
		})
		if err != nil {
			return nil, err
		}

		// A channel belongs to at most one session.
		b.Detach(ch)

		// Membership is recorded first so a teardown racing the join
		// always finds and removes it.
		b.mu.Lock()
		b.members[ch] = s
		b.mu.Unlock()

		if !b.join(s, ch) {
			// Exited between lookup and join.
			b.mu.Lock()
			if b.members[ch] == s {
				delete(b.members, ch)
			}
			b.mu.Unlock()
			continue
		}

		b.log.Info("channel attached",
			zap.String("identity", identity),
			zap.String("channel", ch.ID()),
			zap.Int("connections", s.conns.Len()))

		b.scheduleRefresh(s, ch, b.opts.AttachRefresh)
		return s, nil
	}

	return nil, fmt.Errorf("%w: %s exited while attaching", model.ErrSessionNotFound, identity)
}

// join replays history to ch and adds it to the set with no output in between.
func (b *Broker) join(s *Session, ch Channel) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if !s.conns.Add(ch) {
		return false
	}
	if history := s.history.ReadAll(); len(history) > 0 {
		if err := ch.Send(protocol.EncodeOutput(history)); err != nil {
			b.log.Warn("history replay failed", zap.String("channel", ch.ID()), zap.Error(err))
		}
	}
	return true
}

// Detach removes ch from whichever session holds it. The session keeps running.
func (b *Broker) Detach(ch Channel) {
	b.mu.Lock()
	s, ok := b.members[ch]
	delete(b.members, ch)
	b.mu.Unlock()

	if ok && s.conns.Remove(ch) {
		b.log.Info("channel detached",
			zap.String("identity", s.identity),
			zap.String("channel", ch.ID()),
			zap.Int("connections", s.conns.Len()))
	}
}

// Route delivers one decoded message from ch to the identity's session.
func (b *Broker) Route(identity string, from Channel, msg protocol.Message) error {
	s, ok := b.registry.Get(identity)
	if !ok || s.Closed() {
		return model.ErrSessionNotFound
	}

	switch m := msg.(type) {
	case protocol.Input:
		if blocked(m.Data) {
			b.log.Warn("blocked input",
				zap.String("identity", identity),
				zap.String("channel", from.ID()))
			if err := from.Send(protocol.EncodeOutput([]byte(PolicyNotice))); err != nil {
				b.log.Debug("policy notice not delivered", zap.Error(err))
			}
			return model.ErrPolicyViolation
		}
		return s.proc.Write([]byte(m.Data))

	case protocol.Resize:
		if err := s.proc.Resize(m.Cols, m.Rows); err != nil {
			return err
		}
		b.scheduleRefresh(s, nil, b.opts.RefreshDelay)
		return nil

	case protocol.Unknown:
		b.log.Debug("ignoring unknown message",
			zap.String("identity", identity),
			zap.String("type", m.Type))
		return nil

	default:
		b.log.Debug("ignoring unexpected message",
			zap.String("identity", identity),
			zap.String("type", fmt.Sprintf("%T", msg)))
		return nil
	}
}

func blocked(data string) bool {
	for _, cmd := range blockedCommands {
		if strings.Contains(data, cmd) {
			return true
		}
	}
	return false
}

// Broadcast sends data as one output frame to every channel of s and returns
// how many accepted it. Failing channels are logged and skipped.
func (b *Broker) Broadcast(s *Session, data []byte) int {
	if s.Closed() || len(data) == 0 {
		return 0
	}
	frame := protocol.EncodeOutput(data)

	s.outMu.Lock()
	defer s.outMu.Unlock()

	s.history.Write(data)

	delivered := 0
	for _, ch := range s.conns.Snapshot() {
		if err := ch.Send(frame); err != nil {
			b.log.Warn("channel send failed",
				zap.String("identity", s.identity),
				zap.String("channel", ch.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Get returns the live session for identity.
func (b *Broker) Get(identity string) (*Session, bool) {
	s, ok := b.registry.Get(identity)
	if !ok || s.Closed() {
		return nil, false
	}
	return s, true
}

// Kill terminates the identity's session and closes its channels. It
// reports whether a session existed.
func (b *Broker) Kill(identity string) bool {
	s, ok := b.registry.Take(identity)
	if !ok {
		return false
	}

	s.markKilled()
	if err := s.proc.Kill(); err != nil {
		b.log.Error("failed to kill process",
			zap.String("identity", identity),
			zap.Int("pid", s.proc.PID()),
			zap.Error(err))
	}
	b.teardown(s)

	b.log.Info("session killed", zap.String("identity", identity))
	return true
}

// ClearSession kills the identity's session, waits for the process to exit
// and then wipes its working directory. No session for identity can be
// created until it returns.
func (b *Broker) ClearSession(ctx context.Context, identity string) error {
	if err := model.ValidateIdentity(identity); err != nil {
		return err
	}
	if b.opts.Workspace == nil {
		return errors.New("workspace reset is not configured")
	}

	// Attaches for identity wait here, then spawn into the fresh directory.
	unlock := b.registry.Lock(identity)
	defer unlock()

	if s, ok := b.registry.Get(identity); ok {
		b.Kill(identity)
		select {
		case <-s.proc.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to exit: %w", identity, ctx.Err())
		}
	}

	if err := b.opts.Workspace.Reset(ctx, identity); err != nil {
		return fmt.Errorf("failed to reset workspace: %w", err)
	}
	b.log.Info("session cleared", zap.String("identity", identity))
	return nil
}

// Snapshot lists the live sessions.
func (b *Broker) Snapshot() []model.SessionInfo {
	sessions := b.registry.List()
	out := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if s.Closed() {
			continue
		}
		out = append(out, s.info())
	}
	return out
}

// Close kills every session.
func (b *Broker) Close() {
	for _, s := range b.registry.List() {
		b.Kill(s.identity)
	}
}

func (b *Broker) spawn(ctx context.Context, identity string) (*Session, error) {
	proc, err := b.opts.Spawner.Spawn(ctx, identity)
	if err != nil {
		b.log.Error("spawn failed", zap.String("identity", identity), zap.Error(err))
		if errors.Is(err, model.ErrSpawn) {
			return nil, err
		}
		return nil, &model.SpawnError{Identity: identity, Op: "start", Err: err}
	}

	s := newSession(uuid.New().String(), identity, proc, b.opts.HistorySize)

	if err := proc.OnData(func(p []byte) { b.Broadcast(s, p) }); err != nil {
		proc.Kill()
		return nil, &model.SpawnError{Identity: identity, Op: "subscribe", Err: err}
	}
	if err := proc.OnExit(func(code int) { b.handleExit(s, code) }); err != nil {
		proc.Kill()
		return nil, &model.SpawnError{Identity: identity, Op: "subscribe", Err: err}
	}

	if b.opts.Journal != nil {
		rec := &model.SessionRecord{
			ID:        s.id,
			Identity:  identity,
			PID:       proc.PID(),
			Status:    model.SessionStatusRunning,
			StartedAt: s.createdAt,
		}
		if err := b.opts.Journal.Started(ctx, rec); err != nil {
			b.log.Warn("failed to record session start", zap.String("identity", identity), zap.Error(err))
		}
	}

	b.log.Info("session created", zap.String("identity", identity), zap.Int("pid", proc.PID()))
	return s, nil
}

func (b *Broker) handleExit(s *Session, code int) {
	b.teardown(s)

	status := model.SessionStatusExited
	if s.wasKilled() {
		status = model.SessionStatusKilled
	}
	if b.opts.Journal != nil {
		exitCode := code
		if err := b.opts.Journal.Ended(context.Background(), s.id, status, &exitCode); err != nil {
			b.log.Warn("failed to record session end", zap.String("identity", s.identity), zap.Error(err))
		}
	}

	b.log.Info("session ended",
		zap.String("identity", s.identity),
		zap.Int("code", code),
		zap.String("status", string(status)))
}

// teardown marks s closed, unregisters it and closes its channels. Only the
// first call has any effect.
func (b *Broker) teardown(s *Session) {
	if !s.markClosed() {
		return
	}
	b.registry.CompareAndDelete(s.identity, s)

	closed := s.conns.CloseAll()

	b.mu.Lock()
	for _, ch := range closed {
		if b.members[ch] == s {
			delete(b.members, ch)
		}
	}
	b.mu.Unlock()
}

// scheduleRefresh writes Ctrl+L after d unless the session has closed or,
// when ch is set, ch is no longer attached.
func (b *Broker) scheduleRefresh(s *Session, ch Channel, d time.Duration) {
	time.AfterFunc(d, func() {
		if s.Closed() {
			return
		}
		if ch != nil && !s.conns.Contains(ch) {
			return
		}
		if err := s.proc.Write([]byte{refreshKey}); err != nil {
			b.log.Debug("refresh write failed", zap.String("identity", s.identity), zap.Error(err))
		}
	})
}
