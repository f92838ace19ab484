// Package sidecar supervises the verified reasoning sidecar process. The
// supervisor owns the full lifecycle: integrity verification before launch,
// the private stdin/stdout channel, bounded retry of failed exchanges, and
// shutdown. The state machine is strict: an artifact that fails verification
// is never launched, and a supervisor that reaches Failed for integrity
// reasons stays there.
package sidecar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"axiomhive/internal/integrity"
	"axiomhive/internal/protocol"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateUnverified State = "unverified"
	StateLaunching  State = "launching"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
	StateFailed     State = "failed"
)

// ErrIntegrityFailure is returned for any operation attempted after the
// artifact failed verification. It is fatal: no retry, no fallback.
var ErrIntegrityFailure = errors.New("sidecar artifact failed integrity verification")

// ErrNotRunning is returned when an exchange is attempted outside Running.
var ErrNotRunning = errors.New("sidecar is not running")

// ChannelError reports a channel exchange that failed even after retries.
type ChannelError struct {
	Attempts int
	Err      error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("sidecar channel failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// RemoteError is an application-level error reported by the sidecar itself.
// The channel worked, so these are never retried.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sidecar rejected %s: %s", e.Op, e.Message)
}

// Options configures a Supervisor. Zero durations get defaults.
type Options struct {
	ArtifactPath  string
	TrustedDigest integrity.Digest

	SendTimeout   time.Duration
	MaxRetries    int
	RetryBackoff  time.Duration
	ShutdownGrace time.Duration

	Logger *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 250 * time.Millisecond
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Supervisor runs and talks to exactly one sidecar process.
type Supervisor struct {
	opts Options

	mu           sync.Mutex
	state        State
	verification integrity.VerificationResult
	cmd          *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser

	// sendMu serializes frame writes so concurrent Sends interleave cleanly.
	sendMu sync.Mutex

	// exchMu allows one in-flight exchange at a time; concurrent queries
	// queue here. The channel is a single ordered byte stream, and ID
	// matching only exists to discard late responses after a timeout.
	exchMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	procDone   chan struct{}
	readerDone chan struct{}
}

// New builds an unverified supervisor. Nothing is launched until Start.
func New(opts Options) *Supervisor {
	opts.applyDefaults()
	return &Supervisor{
		opts:    opts,
		state:   StateUnverified,
		pending: make(map[string]chan protocol.Response),
	}
}

// State reports the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastVerification returns the result of the launch-time integrity check.
func (s *Supervisor) LastVerification() integrity.VerificationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verification
}

// Start verifies the artifact and, only on a match, launches it and performs
// the protocol handshake. On a verification mismatch the supervisor moves to
// Failed permanently and returns ErrIntegrityFailure.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnverified {
		cur := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", cur)
	}

	res := integrity.Verify(s.opts.ArtifactPath, s.opts.TrustedDigest)
	s.verification = res
	if !res.Matched {
		s.state = StateFailed
		s.mu.Unlock()
		s.opts.Logger.Error("integrity verification failed",
			zap.String("artifact", res.ArtifactPath),
			zap.String("reason", res.Reason))
		return fmt.Errorf("%w: %s", ErrIntegrityFailure, res.Reason)
	}
	s.opts.Logger.Info("integrity verification passed",
		zap.String("artifact", res.ArtifactPath),
		zap.String("digest", string(res.ComputedDigest)))

	s.state = StateLaunching
	cmd := exec.Command(s.opts.ArtifactPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return fmt.Errorf("open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return fmt.Errorf("launch sidecar: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.procDone = make(chan struct{})
	s.readerDone = make(chan struct{})
	s.mu.Unlock()

	go s.readLoop()
	go s.waitLoop()

	// Handshake proves the channel end to end before anyone depends on it.
	hctx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	defer cancel()
	resp, err := s.exchange(hctx, protocol.Request{
		ID: uuid.NewString(),
		Op: protocol.OpHandshake,
	})
	if err != nil || !resp.OK {
		if err == nil {
			err = fmt.Errorf("handshake rejected: %s", resp.Error)
		}
		s.opts.Logger.Error("sidecar handshake failed",
			zap.Error(err), zap.String("stderr", stderr.String()))
		s.fail()
		cmd.Process.Kill()
		return fmt.Errorf("sidecar handshake: %w", err)
	}

	s.mu.Lock()
	if s.state == StateLaunching {
		s.state = StateRunning
	}
	s.mu.Unlock()
	s.opts.Logger.Info("sidecar running", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// readLoop matches responses to pending requests by ID. Responses with no
// waiter (a retry already gave up on them) are discarded, which keeps the
// stream consistent across timeouts.
func (s *Supervisor) readLoop() {
	defer close(s.readerDone)
	for {
		var resp protocol.Response
		if err := protocol.ReadFrame(s.stdout, &resp); err != nil {
			if err != io.EOF {
				s.opts.Logger.Debug("sidecar read loop ended", zap.Error(err))
			}
			return
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.pendingMu.Unlock()

		if !ok {
			s.opts.Logger.Debug("discarding stale sidecar response", zap.String("id", resp.ID))
			continue
		}
		ch <- resp
	}
}

// waitLoop reaps the process. An exit while Launching or Running is a failure;
// an exit after Shutdown set Terminated is expected.
func (s *Supervisor) waitLoop() {
	err := s.cmd.Wait()
	close(s.procDone)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning || s.state == StateLaunching {
		s.state = StateFailed
		s.opts.Logger.Error("sidecar exited unexpectedly", zap.Error(err))
	}
}

func (s *Supervisor) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateTerminated {
		s.state = StateFailed
	}
}

// exchange performs one request/response round trip. The response channel is
// buffered so readLoop never blocks on a waiter that already timed out.
func (s *Supervisor) exchange(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ch := make(chan protocol.Response, 1)
	s.pendingMu.Lock()
	s.pending[req.ID] = ch
	s.pendingMu.Unlock()

	cleanup := func() {
		s.pendingMu.Lock()
		delete(s.pending, req.ID)
		s.pendingMu.Unlock()
	}

	s.sendMu.Lock()
	err := protocol.WriteFrame(s.stdin, req)
	s.sendMu.Unlock()
	if err != nil {
		cleanup()
		return protocol.Response{}, fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return protocol.Response{}, ctx.Err()
	case <-s.procDone:
		cleanup()
		return protocol.Response{}, fmt.Errorf("sidecar exited mid-exchange")
	}
}

// Send performs one operation against the running sidecar, retrying transient
// channel failures up to MaxRetries with exponential backoff. Application
// errors reported by the sidecar come back as RemoteError without retry.
// Exhausted retries move the supervisor to Failed and return ChannelError.
func (s *Supervisor) Send(ctx context.Context, op string, payload []byte) ([]byte, error) {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
	case StateFailed:
		if !s.verification.Matched && s.verification.Reason != "" {
			s.mu.Unlock()
			return nil, ErrIntegrityFailure
		}
		s.mu.Unlock()
		return nil, ErrNotRunning
	default:
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	s.mu.Unlock()

	s.exchMu.Lock()
	defer s.exchMu.Unlock()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := s.opts.RetryBackoff * (1 << (attempt - 1))
			s.opts.Logger.Warn("retrying sidecar exchange",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		attempts++

		actx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		resp, err := s.exchange(actx, protocol.Request{
			ID:      uuid.NewString(),
			Op:      op,
			Payload: payload,
		})
		cancel()

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if !resp.OK {
			return nil, &RemoteError{Op: op, Message: resp.Error}
		}
		return resp.Payload, nil
	}

	s.fail()
	s.opts.Logger.Error("sidecar channel exhausted retries",
		zap.String("op", op), zap.Int("attempts", attempts), zap.Error(lastErr))
	return nil, &ChannelError{Attempts: attempts, Err: lastErr}
}

// Shutdown asks the sidecar to quit, waits up to ShutdownGrace, then kills it.
// Safe to call from any state; shutting down an already-dead supervisor is a
// no-op.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd == nil {
		if s.state != StateFailed {
			s.state = StateTerminated
		}
		s.mu.Unlock()
		return nil
	}
	// Terminated first: waitLoop must not read the coming exit as a crash.
	prev := s.state
	s.state = StateTerminated
	stdin := s.stdin
	procDone := s.procDone
	s.mu.Unlock()

	if prev == StateRunning {
		s.sendMu.Lock()
		if err := protocol.WriteFrame(stdin, protocol.Request{
			ID: uuid.NewString(),
			Op: protocol.OpQuit,
		}); err != nil {
			s.opts.Logger.Debug("quit frame not delivered", zap.Error(err))
		}
		stdin.Close()
		s.sendMu.Unlock()
	} else {
		stdin.Close()
	}

	select {
	case <-procDone:
	case <-time.After(s.opts.ShutdownGrace):
		s.opts.Logger.Warn("sidecar did not exit in grace period, killing")
		s.cmd.Process.Kill()
		<-procDone
	case <-ctx.Done():
		s.cmd.Process.Kill()
		<-procDone
	}

	<-s.readerDone
	s.opts.Logger.Info("sidecar terminated")
	return nil
}
