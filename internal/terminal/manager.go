package terminal

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaykit/worker/internal/apierror"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	DefaultShell       string
	DefaultRows        int
	DefaultCols        int
	MaxSessions        int
	MaxScrollbackBytes int
	IdleSweepInterval  time.Duration
	IdleTTL            time.Duration
	Logger             *slog.Logger
}

// Manager owns every terminal session on the host.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu            sync.RWMutex
	sessions      map[string]*Session
	sessionByThread map[string]string // threadID -> sessionID, at most one live session per thread

	stopC chan struct{}
	doneC chan struct{}
}

// NewManager constructs a Manager and starts its idle-sweep loop.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.IdleSweepInterval <= 0 {
		cfg.IdleSweepInterval = 30 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:             cfg,
		log:             logger.With("component", "terminal"),
		sessions:        make(map[string]*Session),
		sessionByThread: make(map[string]string),
		stopC:           make(chan struct{}),
		doneC:           make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// OpenSession spawns a new session, rejecting with TERMINAL_CAPACITY_REACHED
// once MaxSessions is in use.
func (m *Manager) OpenSession(workDir string, env []string, rows, cols int) (*Session, error) {
	return m.openSession("", workDir, env, rows, cols)
}

// OpenForThread opens (or returns the existing live) session for a thread,
// enforcing the at-most-one-non-exited-session-per-thread invariant. This
// makes terminal open idempotent on retry, per spec.md §7 Recovery.
func (m *Manager) OpenForThread(threadID, workDir string, env []string, rows, cols int) (*Session, error) {
	m.mu.RLock()
	if sessID, ok := m.sessionByThread[threadID]; ok {
		if sess, ok := m.sessions[sessID]; ok {
			if exited, _ := sess.Exited(); !exited {
				m.mu.RUnlock()
				return sess, nil
			}
		}
	}
	m.mu.RUnlock()

	return m.openSession(threadID, workDir, env, rows, cols)
}

// GetByThread returns the currently tracked session for a thread, if any.
func (m *Manager) GetByThread(threadID string) (*Session, error) {
	m.mu.RLock()
	sessID, ok := m.sessionByThread[threadID]
	m.mu.RUnlock()
	if !ok {
		return nil, apierror.New(apierror.CodeTerminalNotFound, fmt.Sprintf("no terminal session for thread %s", threadID))
	}
	return m.Get(sessID)
}

func (m *Manager) openSession(threadID, workDir string, env []string, rows, cols int) (*Session, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, apierror.New(apierror.CodeTerminalCapacityReached,
			fmt.Sprintf("terminal capacity reached (%d sessions)", m.cfg.MaxSessions))
	}
	m.mu.Unlock()

	id := uuid.NewString()
	if rows <= 0 {
		rows = m.cfg.DefaultRows
	}
	if cols <= 0 {
		cols = m.cfg.DefaultCols
	}

	sess, err := NewSession(Config{
		ID: id, ThreadID: threadID, Shell: m.cfg.DefaultShell, WorkDir: workDir, Env: env, Rows: rows, Cols: cols,
		ScrollbackBudget: m.cfg.MaxScrollbackBytes,
		OnExit: func(sessionID string, exitCode int) {
			m.log.Info("terminal session exited", "sessionId", sessionID, "exitCode", exitCode)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn terminal session: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	if threadID != "" {
		m.sessionByThread[threadID] = id
	}
	m.mu.Unlock()

	m.log.Info("terminal session opened", "sessionId", id, "threadId", threadID, "transportMode", sess.TransportMode())
	return sess, nil
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, apierror.New(apierror.CodeTerminalNotFound, fmt.Sprintf("terminal session %s not found", id))
	}
	return sess, nil
}

// AttachClient attaches a frame sink to a session, returning its scrollback.
func (m *Manager) AttachClient(id string, sink func(Frame)) ([]byte, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Attach(sink), nil
}

// AttachClientSince attaches a frame sink to a session, replaying only
// frames with Seq greater than fromSeq (fromSeq -1 replays everything
// buffered). Used by the WebSocket terminal stream to resume from a
// client-reported sequence number.
func (m *Manager) AttachClientSince(id string, fromSeq int64, sink func(Frame)) ([]Frame, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.AttachSince(fromSeq, sink), nil
}

// DetachClient detaches the current frame sink from a session.
func (m *Manager) DetachClient(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Detach()
	return nil
}

// WriteInput sends input bytes to a session.
func (m *Manager) WriteInput(id string, data []byte) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// ResizeSession resizes a session's PTY (a no-op in pipe mode).
func (m *Manager) ResizeSession(id string, rows, cols int) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	return sess.Resize(rows, cols)
}

// CloseSession terminates and removes a session.
func (m *Manager) CloseSession(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return apierror.New(apierror.CodeTerminalNotFound, fmt.Sprintf("terminal session %s not found", id))
	}
	delete(m.sessions, id)
	if sess.ThreadID != "" && m.sessionByThread[sess.ThreadID] == id {
		delete(m.sessionByThread, sess.ThreadID)
	}
	m.mu.Unlock()

	return sess.Close()
}

// CloseAll terminates every session, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.sessionByThread = make(map[string]string)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
}

// Stop halts the idle-sweep loop and closes every session.
func (m *Manager) Stop() {
	close(m.stopC)
	<-m.doneC
	m.CloseAll()
}

func (m *Manager) sweepLoop() {
	defer close(m.doneC)

	ticker := time.NewTicker(m.cfg.IdleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopC:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce closes every session satisfying the idle rule: no attached
// client, idle duration past the configured TTL, shell-reported foreground/
// background quiescence (pipe-mode sessions never satisfy this — they always
// count as running, per IdleEligible), and no child processes of the shell
// still running.
func (m *Manager) sweepOnce() {
	m.mu.RLock()
	var candidates []*Session
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	for _, s := range candidates {
		if s.IsAttached() {
			continue
		}
		if s.IdleSince() < m.cfg.IdleTTL {
			continue
		}
		if !s.IdleEligible() {
			continue
		}
		if hasChildren(s.shellPID()) {
			continue
		}
		m.log.Info("sweeping idle terminal session", "sessionId", s.ID, "idleFor", s.IdleSince())
		_ = m.CloseSession(s.ID)
	}
}

// shellPID returns the shell process's PID, or 0 if unknown.
func (s *Session) shellPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// hasChildren reports whether pid has any running child processes, used as
// a last-resort guard against sweeping a shell that spawned a foreground
// job the state hooks didn't catch.
func hasChildren(pid int) bool {
	if pid <= 0 {
		return false
	}
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}
