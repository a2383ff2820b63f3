package portreg_test

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-debugger-inc/aidb/internal/lockfile"
	"github.com/ai-debugger-inc/aidb/internal/portreg"
	"github.com/ai-debugger-inc/aidb/pkg/testutil"
)

// testPaths returns record and lock file paths in a fresh temp directory.
func testPaths(t *testing.T) (recordPath string, lockPath string) {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "ports.records"), filepath.Join(dir, "ports.lock")
}

func newTestRegistry(t *testing.T, mutate func(*portreg.Config)) *portreg.Registry {
	t.Helper()

	recordPath, lockPath := testPaths(t)
	cfg := portreg.Config{
		RecordPath: recordPath,
		LockPath:   lockPath,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	registry, err := portreg.NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })
	return registry
}

// seedRecord writes allocation records directly to the shared file, the way
// a sibling process would have left them.
func seedRecord(t *testing.T, registry *portreg.Registry, allocations ...portreg.PortAllocation) {
	t.Helper()

	testCtx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	rf, err := lockfile.NewRecordFile[portreg.PortAllocation](
		registry.RecordPath(), registry.LockPath(), portreg.AllocationMarshaller())
	require.NoError(t, err)
	defer rf.Close()

	existing, readErr := rf.TryLockAndRead(testCtx)
	require.NoError(t, readErr)
	require.NoError(t, rf.WriteAndUnlock(testCtx, append(existing, allocations...)))
}

func TestAcquirePrefersConfiguredPorts(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	acq, err := registry.Acquire(testCtx, portreg.Request{
		Language:       "go",
		SessionID:      "session-1",
		DefaultPort:    47361,
		FallbackRanges: []portreg.PortRange{{Start: 47362, End: 47371}},
	})
	require.NoError(t, err)
	assert.Equal(t, 47361, acq.Port)
	assert.False(t, acq.Optimistic)

	// The preferred port outranks the default.
	acq2, err := registry.Acquire(testCtx, portreg.Request{
		Language:      "go",
		SessionID:     "session-2",
		PreferredPort: 47365,
		DefaultPort:   47361,
	})
	require.NoError(t, err)
	assert.Equal(t, 47365, acq2.Port)
}

func TestAcquireNeverHandsOutTheSamePortTwice(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	seen := make(map[int]bool)
	for i := 0; i < 8; i++ {
		acq, err := registry.Acquire(testCtx, portreg.Request{
			Language:       "go",
			SessionID:      "session-1",
			DefaultPort:    47420,
			FallbackRanges: []portreg.PortRange{{Start: 47421, End: 47440}},
		})
		require.NoError(t, err)
		assert.False(t, seen[acq.Port], "port %d handed out twice", acq.Port)
		seen[acq.Port] = true
	}
}

func TestAcquireSkipsRecordsWithLiveOwner(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	// A sibling that is still alive owns the default port. Its reservation
	// socket is already gone (it handed the port to its adapter), so only
	// the record protects it.
	seedRecord(t, registry, portreg.PortAllocation{
		Port:      47480,
		SessionID: "sibling-session",
		Language:  "go",
		OwnerPID:  int32(os.Getpid()),
		UpdatedAt: time.Now().UTC(),
	})

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	acq, err := registry.Acquire(testCtx, portreg.Request{
		Language:       "go",
		SessionID:      "session-1",
		DefaultPort:    47480,
		FallbackRanges: []portreg.PortRange{{Start: 47481, End: 47490}},
	})
	require.NoError(t, err)
	assert.NotEqual(t, 47480, acq.Port)
}

func TestAcquireReclaimsStaleRecords(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	// A dead owner's record does not block the port: the bind decides.
	// A negative pid can never belong to a live process.
	seedRecord(t, registry, portreg.PortAllocation{
		Port:      47530,
		SessionID: "dead-session",
		Language:  "go",
		OwnerPID:  -1,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	acq, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-1",
		DefaultPort: 47530,
	})
	require.NoError(t, err)
	assert.Equal(t, 47530, acq.Port)

	// The stale record was replaced, not duplicated.
	allocations, allocErr := registry.Allocations(testCtx)
	require.NoError(t, allocErr)
	require.Len(t, allocations, 1)
	assert.Equal(t, "session-1", allocations[0].SessionID)
}

func TestAcquireValidation(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	_, err := registry.Acquire(testCtx, portreg.Request{Language: "go", DefaultPort: 47000})
	assert.ErrorIs(t, err, portreg.ErrSessionIDRequired)

	_, err = registry.Acquire(testCtx, portreg.Request{Language: "go", SessionID: "session-1"})
	assert.ErrorIs(t, err, portreg.ErrNoPortConfiguration)
}

func TestAcquireExhaustion(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	// Occupy the only candidate port out-of-band.
	ln, listenErr := net.Listen("tcp", "127.0.0.1:47590")
	require.NoError(t, listenErr)
	defer ln.Close()

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	_, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-1",
		DefaultPort: 47590,
	})
	require.Error(t, err)
	assert.True(t, portreg.IsExhaustionError(err), "want exhaustion, got %v", err)
}

func TestAcquireFallsBackToOptimisticUnderHeldLock(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, func(cfg *portreg.Config) {
		cfg.LockTimeout = 200 * time.Millisecond
	})

	// Another process holds the companion lock and never lets go.
	holder, err := lockfile.NewLockfile(registry.LockPath())
	require.NoError(t, err)
	defer holder.Close()

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	require.NoError(t, holder.TryLock(testCtx))

	acq, acquireErr := registry.Acquire(testCtx, portreg.Request{
		Language:       "go",
		SessionID:      "session-1",
		DefaultPort:    47650,
		FallbackRanges: []portreg.PortRange{{Start: 47651, End: 47660}},
	})
	require.NoError(t, acquireErr)
	assert.True(t, acq.Optimistic, "acquisition under a held lock must be observable as optimistic")
	assert.NotZero(t, acq.Port)

	// The port is still reserved in-process.
	secondAcq, secondErr := registry.Acquire(testCtx, portreg.Request{
		Language:      "go",
		SessionID:     "session-2",
		PreferredPort: acq.Port,
		DefaultPort:   47650,
		FallbackRanges: []portreg.PortRange{
			{Start: 47651, End: 47660},
		},
	})
	require.NoError(t, secondErr)
	assert.NotEqual(t, acq.Port, secondAcq.Port)
}

func TestReleaseVerifiesOwnership(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	acq, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-1",
		DefaultPort: 47710,
	})
	require.NoError(t, err)

	// The wrong session cannot release the port.
	assert.False(t, registry.Release(acq.Port, "session-2"))

	assert.True(t, registry.Release(acq.Port, "session-1"))

	// Release is idempotent: the second call reports nothing to do.
	assert.False(t, registry.Release(acq.Port, "session-1"))

	// The record is gone, so the port can be acquired again.
	again, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-3",
		DefaultPort: acq.Port,
	})
	require.NoError(t, err)
	assert.Equal(t, acq.Port, again.Port)
}

func TestReleaseSessionPorts(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	var ports []int
	for i := 0; i < 3; i++ {
		acq, err := registry.Acquire(testCtx, portreg.Request{
			Language:       "go",
			SessionID:      "session-1",
			DefaultPort:    47770,
			FallbackRanges: []portreg.PortRange{{Start: 47771, End: 47780}},
		})
		require.NoError(t, err)
		ports = append(ports, acq.Port)
	}

	released := registry.ReleaseSessionPorts("session-1")
	assert.ElementsMatch(t, ports, released)

	allocations, allocErr := registry.Allocations(testCtx)
	require.NoError(t, allocErr)
	assert.Empty(t, allocations)

	// A session without ports releases nothing.
	assert.Empty(t, registry.ReleaseSessionPorts("session-1"))
}

func TestReleaseReservedPortKeepsRecord(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	acq, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-1",
		DefaultPort: 47830,
	})
	require.NoError(t, err)

	require.True(t, registry.ReleaseReservedPort(acq.Port))

	// The socket is free for the adapter to bind...
	ln, listenErr := net.Listen("tcp", "127.0.0.1:47830")
	require.NoError(t, listenErr)
	defer ln.Close()

	// ...but the ownership record survives for siblings to see.
	allocations, allocErr := registry.Allocations(testCtx)
	require.NoError(t, allocErr)
	require.Len(t, allocations, 1)
	assert.Equal(t, "session-1", allocations[0].SessionID)

	assert.False(t, registry.ReleaseReservedPort(acq.Port), "reservation can only be released once")
}

func TestCleanupStaleAllocations(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	// One live allocation of our own, one record from a dead sibling.
	acq, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-1",
		DefaultPort: 47890,
	})
	require.NoError(t, err)

	seedRecord(t, registry, portreg.PortAllocation{
		Port:      47891,
		SessionID: "dead-session",
		Language:  "python",
		OwnerPID:  -1,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	})

	removed, cleanupErr := registry.CleanupStaleAllocations(testCtx)
	require.NoError(t, cleanupErr)
	assert.Equal(t, 1, removed)

	allocations, allocErr := registry.Allocations(testCtx)
	require.NoError(t, allocErr)
	require.Len(t, allocations, 1)
	assert.Equal(t, acq.Port, allocations[0].Port)

	// Sweeps are rate-limited; an immediate retry is a no-op.
	removed, cleanupErr = registry.CleanupStaleAllocations(testCtx)
	require.NoError(t, cleanupErr)
	assert.Zero(t, removed)
}

func TestSiblingRegistriesNeverShareAPort(t *testing.T) {
	t.Parallel()

	recordPath, lockPath := testPaths(t)
	newSibling := func() *portreg.Registry {
		registry, err := portreg.NewRegistry(portreg.Config{
			RecordPath: recordPath,
			LockPath:   lockPath,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = registry.Close() })
		return registry
	}

	first := newSibling()
	second := newSibling()

	testCtx, cancel := testutil.GetTestContext(t, 30*time.Second)
	defer cancel()

	req := portreg.Request{
		Language:       "go",
		SessionID:      "session-1",
		DefaultPort:    47950,
		FallbackRanges: []portreg.PortRange{{Start: 47951, End: 47960}},
	}

	acq1, err := first.Acquire(testCtx, req)
	require.NoError(t, err)

	req.SessionID = "session-2"
	acq2, err := second.Acquire(testCtx, req)
	require.NoError(t, err)

	assert.NotEqual(t, acq1.Port, acq2.Port)
}

func TestAcquireAfterClose(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, nil)
	require.NoError(t, registry.Close())

	testCtx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	_, err := registry.Acquire(testCtx, portreg.Request{
		Language:    "go",
		SessionID:   "session-1",
		DefaultPort: 48010,
	})
	assert.ErrorIs(t, err, portreg.ErrRegistryClosed)
}
