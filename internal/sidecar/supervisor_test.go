package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"axiomhive/internal/integrity"
	"axiomhive/internal/protocol"
)

// sidecarBin is built once by TestMain from the real sidecar main package, so
// these tests exercise the supervisor against the binary that ships.
var sidecarBin string

func TestMain(m *testing.M) {
	// Re-executed as a misbehaving sidecar.
	switch os.Getenv("SIDECAR_TEST_MODE") {
	case "mute":
		runMuteSidecar()
		os.Exit(0)
	case "flaky":
		runFlakySidecar()
		os.Exit(0)
	}

	dir, err := os.MkdirTemp("", "sidecar-test-")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	sidecarBin = filepath.Join(dir, "axiomhive-sidecar")
	cmd := exec.Command("go", "build", "-o", sidecarBin, "axiomhive/cmd/axiomhive-sidecar")
	if out, err := cmd.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "build sidecar: %v\n%s", err, out)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// runMuteSidecar speaks just enough protocol to pass the handshake, then
// reads and drops every further frame without replying.
func runMuteSidecar() {
	for {
		var req protocol.Request
		if err := protocol.ReadFrame(os.Stdin, &req); err != nil {
			return
		}
		if req.Op == protocol.OpHandshake {
			protocol.WriteFrame(os.Stdout, protocol.Response{ID: req.ID, OK: true})
		}
	}
}

// runFlakySidecar swallows the first two decompose requests so they time out,
// then answers normally from the third on.
func runFlakySidecar() {
	dropped := 0
	for {
		var req protocol.Request
		if err := protocol.ReadFrame(os.Stdin, &req); err != nil {
			return
		}
		switch req.Op {
		case protocol.OpHandshake:
			protocol.WriteFrame(os.Stdout, protocol.Response{ID: req.ID, OK: true})
		case protocol.OpDecompose:
			if dropped < 2 {
				dropped++
				continue
			}
			var dr protocol.DecomposeRequest
			if err := json.Unmarshal(req.Payload, &dr); err != nil {
				protocol.WriteFrame(os.Stdout, protocol.Response{ID: req.ID, OK: false, Error: err.Error()})
				continue
			}
			payload, _ := json.Marshal(protocol.DecomposeReply{
				QueryID:  dr.QueryID,
				Branches: []protocol.BranchPlan{{Label: "Historical", SubQuestion: "x"}},
			})
			protocol.WriteFrame(os.Stdout, protocol.Response{ID: req.ID, OK: true, Payload: payload})
		case protocol.OpQuit:
			protocol.WriteFrame(os.Stdout, protocol.Response{ID: req.ID, OK: true})
			return
		}
	}
}

func trustedDigestFor(t *testing.T, path string) integrity.Digest {
	t.Helper()
	d, err := integrity.ComputeDigest(path)
	require.NoError(t, err)
	return d
}

func newSupervisor(t *testing.T, artifact string, digest integrity.Digest) *Supervisor {
	t.Helper()
	return New(Options{
		ArtifactPath:  artifact,
		TrustedDigest: digest,
		SendTimeout:   3 * time.Second,
		MaxRetries:    2,
		RetryBackoff:  20 * time.Millisecond,
		ShutdownGrace: 3 * time.Second,
		Logger:        zap.NewNop(),
	})
}

func TestLifecycleHappyPath(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}
	defer goleak.VerifyNone(t)

	s := newSupervisor(t, sidecarBin, trustedDigestFor(t, sidecarBin))
	assert.Equal(t, StateUnverified, s.State())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, s.LastVerification().Matched)

	payload, err := json.Marshal(protocol.DecomposeRequest{QueryID: "q-1", RawText: "quantum gravity"})
	require.NoError(t, err)
	raw, err := s.Send(ctx, protocol.OpDecompose, payload)
	require.NoError(t, err)

	var reply protocol.DecomposeReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Len(t, reply.Branches, 3)
	assert.Equal(t, "Historical", reply.Branches[0].Label)
	assert.Contains(t, reply.Branches[0].SubQuestion, "quantum gravity")

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, StateTerminated, s.State())
}

func TestTamperedArtifactNeverLaunches(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	// Trusted digest for different bytes than the artifact on disk.
	other := filepath.Join(t.TempDir(), "other")
	require.NoError(t, os.WriteFile(other, []byte("not the sidecar"), 0o755))

	s := newSupervisor(t, sidecarBin, trustedDigestFor(t, other))
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrIntegrityFailure)
	assert.Equal(t, StateFailed, s.State())
	assert.False(t, s.LastVerification().Matched)

	// Integrity failure is sticky: every later operation surfaces it.
	_, err = s.Send(context.Background(), protocol.OpDecompose, nil)
	assert.ErrorIs(t, err, ErrIntegrityFailure)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateFailed, s.State())
}

func TestMissingArtifactFailsVerification(t *testing.T) {
	s := newSupervisor(t, filepath.Join(t.TempDir(), "nope"), "deadbeef")
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrIntegrityFailure)
	assert.Equal(t, StateFailed, s.State())
}

func TestSendBeforeStart(t *testing.T) {
	s := newSupervisor(t, sidecarBin, "deadbeef")
	_, err := s.Send(context.Background(), protocol.OpDecompose, nil)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestKilledSidecarMarkedFailed(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	s := newSupervisor(t, sidecarBin, trustedDigestFor(t, sidecarBin))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	// Kill behind the supervisor's back and wait for the reaper to notice.
	require.NoError(t, s.cmd.Process.Kill())
	<-s.procDone

	assert.Equal(t, StateFailed, s.State())

	_, err := s.Send(ctx, protocol.OpDecompose, nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.Shutdown(ctx))
}

func TestRemoteErrorNotRetried(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	s := newSupervisor(t, sidecarBin, trustedDigestFor(t, sidecarBin))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(ctx)

	start := time.Now()
	_, err := s.Send(ctx, "no-such-op", nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "no-such-op", re.Op)
	// A retried error would have burned at least one backoff interval.
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTimedOutExchangeRecoversWithinRetryBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	self, err := os.Executable()
	require.NoError(t, err)
	t.Setenv("SIDECAR_TEST_MODE", "flaky")

	s := New(Options{
		ArtifactPath:  self,
		TrustedDigest: trustedDigestFor(t, self),
		SendTimeout:   150 * time.Millisecond,
		MaxRetries:    3,
		RetryBackoff:  10 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
		Logger:        zap.NewNop(),
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(ctx)

	// First two sends time out, the third attempt is answered: the caller
	// sees a clean success and the supervisor never leaves Running.
	payload, err := json.Marshal(protocol.DecomposeRequest{QueryID: "q-1", RawText: "gravity"})
	require.NoError(t, err)
	raw, err := s.Send(ctx, protocol.OpDecompose, payload)
	require.NoError(t, err)

	var reply protocol.DecomposeReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.NotEmpty(t, reply.Branches)
	assert.Equal(t, StateRunning, s.State())
}

func TestUnresponsiveChannelExhaustsRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	self, err := os.Executable()
	require.NoError(t, err)
	t.Setenv("SIDECAR_TEST_MODE", "mute")

	s := New(Options{
		ArtifactPath:  self,
		TrustedDigest: trustedDigestFor(t, self),
		SendTimeout:   150 * time.Millisecond,
		MaxRetries:    2,
		RetryBackoff:  10 * time.Millisecond,
		ShutdownGrace: 2 * time.Second,
		Logger:        zap.NewNop(),
	})

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(ctx)

	_, err = s.Send(ctx, protocol.OpDecompose, nil)
	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, StateFailed, s.State())
}

func TestStartTwiceRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a subprocess")
	}

	s := newSupervisor(t, sidecarBin, trustedDigestFor(t, sidecarBin))
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Shutdown(ctx)

	err := s.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start from state")
}

func TestShutdownWithoutStart(t *testing.T) {
	s := newSupervisor(t, sidecarBin, "deadbeef")
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, s.State())
}
