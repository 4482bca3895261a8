// Package terminal manages PTY-backed (and pipe-mode fallback) terminal
// sessions: spawn, attach/detach, input, resize, scrollback replay, and idle
// sweep — generalized from the teacher's internal/pty package.
package terminal

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	bootstrapMarker         = "__CW_BOOTSTRAP_DONE__"
	stateMarkerPrefix       = "__CW_STATE__:"
	bootstrapSuppressWindow = 15 * time.Second
)

// Frame is one sequenced unit of session output delivered to an attached
// client.
type Frame struct {
	Type     string // "output" | "exit"
	Seq      int64
	Ts       time.Time
	Data     []byte
	ExitCode *int
}

// Config configures a new Session.
type Config struct {
	ID               string
	ThreadID         string
	Shell            string
	WorkDir          string
	Env              []string
	Rows, Cols       int
	ScrollbackBudget int
	OnExit           func(sessionID string, exitCode int)
}

// Session is one terminal backed either by a real PTY or, when PTY spawn
// fails outright, a plain stdio pipe.
type Session struct {
	ID        string
	ThreadID  string
	WorkDir   string
	CreatedAt time.Time

	mu                      sync.Mutex
	cmd                     *exec.Cmd
	ptmx                    *os.File
	pipeStdin               io.WriteCloser
	pipeStdout              io.ReadCloser
	rows, cols              int
	transportMode           string // "pty" | "pipe"
	supportsShellStateHooks bool
	scrollback              *Scrollback
	nextSeq                 int64
	attached                func(Frame)
	lastActive              time.Time
	foregroundBusy          bool
	backgroundJobs          int
	bootstrapDone           bool
	bootstrapDeadline       time.Time
	exited                  bool
	exitCode                int
	onExit                  func(sessionID string, exitCode int)

	frames     []Frame // bounded replay log, seq-indexed (see AttachSince)
	frameBytes int
	frameCap   int

	stateBuf bytes.Buffer // partial line carried across Write calls
}

// zshArgVectors is the spawn fallback chain: no-rc, interactive, plain.
var zshArgVectors = [][]string{{"-f"}, {"-i"}, {}}

// NewSession spawns a session, trying a PTY first through the argument
// vector fallback chain and, failing that entirely, a plain pipe-mode shell.
func NewSession(cfg Config) (*Session, error) {
	rows, cols := cfg.Rows, cfg.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/zsh"
	}

	s := &Session{
		ID:                cfg.ID,
		ThreadID:          cfg.ThreadID,
		WorkDir:           cfg.WorkDir,
		CreatedAt:         time.Now().UTC(),
		rows:              rows,
		cols:              cols,
		scrollback:        NewScrollback(cfg.ScrollbackBudget),
		frameCap:          cfg.ScrollbackBudget,
		lastActive:        time.Now().UTC(),
		bootstrapDeadline: time.Now().UTC().Add(bootstrapSuppressWindow),
		onExit:            cfg.OnExit,
	}

	var lastErr error
	for _, args := range zshArgVectors {
		cmd := exec.Command(shell, args...)
		cmd.Dir = cfg.WorkDir
		cmd.Env = append(os.Environ(), cfg.Env...)
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
		if err == nil {
			s.cmd = cmd
			s.ptmx = ptmx
			s.transportMode = "pty"
			s.supportsShellStateHooks = true
			s.startReadLoop()
			return s, nil
		}
		lastErr = err
	}

	// PTY spawn failed outright (no /dev/ptmx, sandboxed environment, ...).
	// Fall back to a plain stdio pipe: resize becomes a no-op and shell-state
	// hooks are unavailable, but the session still runs and still counts as
	// "running" for idle-sweep purposes.
	cmd := exec.Command(shell)
	cmd.Dir = cfg.WorkDir
	cmd.Env = append(os.Environ(), cfg.Env...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pty spawn failed (%v) and pipe-mode stdin failed: %w", lastErr, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pty spawn failed (%v) and pipe-mode stdout failed: %w", lastErr, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pty spawn failed (%v) and pipe-mode spawn failed: %w", lastErr, err)
	}

	s.cmd = cmd
	s.pipeStdin = stdin
	s.pipeStdout = stdout
	s.transportMode = "pipe"
	s.supportsShellStateHooks = false
	s.startReadLoop()
	return s, nil
}

// TransportMode reports "pty" or "pipe".
func (s *Session) TransportMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transportMode
}

// Attach installs the frame sink that receives all subsequent output/exit
// frames, replaying current scrollback to the caller first.
func (s *Session) Attach(sink func(Frame)) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = sink
	return s.scrollback.ReadAll()
}

// Detach removes the current frame sink; output keeps flowing into
// scrollback regardless.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = nil
}

// AttachSince installs the frame sink and returns every buffered frame with
// Seq greater than fromSeq (fromSeq of -1 replays the full buffered log),
// for WebSocket clients that resume a stream from a known sequence number.
func (s *Session) AttachSince(fromSeq int64, sink func(Frame)) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached = sink

	var out []Frame
	for _, f := range s.frames {
		if f.Seq > fromSeq {
			out = append(out, f)
		}
	}
	return out
}

// LastSeq returns the most recently assigned frame sequence number, or -1
// if none has been emitted yet.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return -1
	}
	return s.frames[len(s.frames)-1].Seq
}

// appendFrameLocked records f in the bounded replay log, evicting the
// oldest frames once frameCap bytes is exceeded. Must be called with s.mu
// held.
func (s *Session) appendFrameLocked(f Frame) {
	budget := s.frameCap
	if budget <= 0 {
		budget = 2 * 1024 * 1024
	}
	s.frames = append(s.frames, f)
	s.frameBytes += len(f.Data)
	for s.frameBytes > budget && len(s.frames) > 1 {
		evicted := s.frames[0]
		s.frames = s.frames[1:]
		s.frameBytes -= len(evicted.Data)
	}
}

// Write sends input to the shell.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	ptmx, stdin := s.ptmx, s.pipeStdin
	s.mu.Unlock()

	if ptmx != nil {
		_, err := ptmx.Write(p)
		return err
	}
	_, err := stdin.Write(p)
	return err
}

// Resize resizes the PTY. A no-op in pipe mode.
func (s *Session) Resize(rows, cols int) error {
	s.mu.Lock()
	s.rows, s.cols = rows, cols
	ptmx := s.ptmx
	s.mu.Unlock()

	if ptmx == nil {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close terminates the underlying shell process.
func (s *Session) Close() error {
	s.mu.Lock()
	ptmx, cmd := s.ptmx, s.cmd
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}
	return nil
}

// IdleSince returns how long it has been since the session last saw input
// or output.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// IsAttached reports whether a client is currently attached.
func (s *Session) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached != nil
}

// ShellBusy reports the last-observed foreground/background job state. Only
// meaningful once the bootstrap suppression window has elapsed for PTY
// sessions that support shell-state hooks; pipe-mode sessions never report
// busy (see IdleEligible).
func (s *Session) ShellBusy() (foreground bool, background int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.foregroundBusy, s.backgroundJobs
}

// IdleEligible reports whether this session currently satisfies the
// idle-sweep precondition on shell activity: no foreground process running
// and no tracked background jobs. Pipe-mode sessions (no shell-state hooks)
// and PTY sessions still inside the bootstrap suppression window are always
// considered busy, so they are never swept purely on a timer.
func (s *Session) IdleEligible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.supportsShellStateHooks {
		return false
	}
	if !s.bootstrapDone && time.Now().UTC().Before(s.bootstrapDeadline) {
		return false
	}
	return !s.foregroundBusy && s.backgroundJobs == 0
}

// Exited reports whether the underlying process has exited, and its code.
func (s *Session) Exited() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited, s.exitCode
}

func (s *Session) startReadLoop() {
	go func() {
		var r io.Reader = s.ptmx
		if r == nil {
			r = s.pipeStdout
		}
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				s.handleChunk(buf[:n])
			}
			if err != nil {
				s.handleExit()
				return
			}
		}
	}()
}

func (s *Session) handleChunk(chunk []byte) {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	forward := chunk
	if s.supportsShellStateHooks {
		forward = s.filterShellStateLocked(chunk)
	}
	s.scrollback.Write(forward)
	seq := s.nextSeq
	s.nextSeq++
	var frame Frame
	if len(forward) > 0 {
		frame = Frame{Type: "output", Seq: seq, Ts: time.Now().UTC(), Data: forward}
		s.appendFrameLocked(frame)
	}
	sink := s.attached
	s.mu.Unlock()

	if sink != nil && len(forward) > 0 {
		sink(frame)
	}
}

// filterShellStateLocked scans chunk for __CW_STATE__/__CW_BOOTSTRAP_DONE__
// marker lines, updates foreground/background job state, strips the marker
// lines out of what gets forwarded to the client, and suppresses every other
// line until the one-shot bootstrap marker arrives (or the suppression
// window lapses, whichever comes first). Must be called with s.mu held.
func (s *Session) filterShellStateLocked(chunk []byte) []byte {
	s.stateBuf.Write(chunk)
	data := s.stateBuf.Bytes()

	var out bytes.Buffer
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		line := string(data[start:i])
		if !s.consumeMarkerLocked(line) && !s.suppressingBootstrapLocked() {
			out.Write(data[start : i+1])
		}
		start = i + 1
	}

	remainder := append([]byte(nil), data[start:]...)
	s.stateBuf.Reset()
	s.stateBuf.Write(remainder)

	return out.Bytes()
}

// suppressingBootstrapLocked reports whether output should still be
// suppressed: the bootstrap marker hasn't arrived yet and the 15s
// suppression window hasn't lapsed. Must be called with s.mu held.
func (s *Session) suppressingBootstrapLocked() bool {
	return !s.bootstrapDone && time.Now().UTC().Before(s.bootstrapDeadline)
}

// consumeMarkerLocked returns true if line was a recognized marker (and
// should be stripped from client-visible output).
func (s *Session) consumeMarkerLocked(line string) bool {
	text := strings.TrimRight(line, "\r")

	if text == bootstrapMarker {
		s.bootstrapDone = true
		return true
	}
	if len(text) > len(stateMarkerPrefix) && text[:len(stateMarkerPrefix)] == stateMarkerPrefix {
		rest := text[len(stateMarkerPrefix):]
		parts := splitTwo(rest, ':')
		if len(parts) == 2 {
			s.foregroundBusy = parts[0] == "busy"
			if n, err := strconv.Atoi(parts[1]); err == nil {
				s.backgroundJobs = n
			}
		}
		return true
	}
	return false
}

func splitTwo(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return []string{s}
}

func (s *Session) handleExit() {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	code := 0
	if s.cmd != nil && s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	s.exitCode = code
	seq := s.nextSeq
	s.nextSeq++
	ec := code
	exitFrame := Frame{Type: "exit", Seq: seq, Ts: time.Now().UTC(), ExitCode: &ec}
	s.appendFrameLocked(exitFrame)
	sink := s.attached
	onExit := s.onExit
	id := s.ID
	s.mu.Unlock()

	if sink != nil {
		sink(exitFrame)
	}
	if onExit != nil {
		onExit(id, code)
	}
}
