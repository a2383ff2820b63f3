// Package portreg arbitrates TCP port ownership between debug sessions,
// both within one aidb process and across sibling processes sharing the
// same host.
//
// A successful bind-and-listen is the only proof a port is free; the shared
// record file exists so siblings do not race each other to the same bind,
// and so ports stay reserved between allocation and the moment the adapter
// process binds them itself. The record is always mutated under the
// companion file's exclusive lock, except for the documented optimistic
// fallback taken when the lock cannot be obtained within the configured
// timeout.
package portreg

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/ai-debugger-inc/aidb/internal/aidbpaths"
	"github.com/ai-debugger-inc/aidb/internal/lockfile"
	"github.com/ai-debugger-inc/aidb/pkg/concurrency"
	"github.com/ai-debugger-inc/aidb/pkg/process"
)

const (
	// DefaultLockTimeout bounds how long an acquisition waits for the
	// cross-process lock before downgrading to the optimistic path.
	DefaultLockTimeout = 15 * time.Second

	// DefaultCleanupMinInterval rate-limits stale allocation sweeps.
	DefaultCleanupMinInterval = 5 * time.Second

	// DefaultListenAddress is the address candidate binds are attempted on.
	DefaultListenAddress = "127.0.0.1"

	// DefaultOptimisticExtraCandidates is how many extra random ephemeral
	// ports the optimistic path adds beyond the configured ranges.
	DefaultOptimisticExtraCandidates = 16

	// bestEffortRecordTimeout bounds record updates that are advisory only
	// (release bookkeeping, optimistic-path updates).
	bestEffortRecordTimeout = 2 * time.Second

	ephemeralRangeStart = 49152
	ephemeralRangeEnd   = 65535
)

// Config configures a Registry. The zero value resolves paths via aidbpaths
// and applies the package defaults.
type Config struct {
	// RecordPath is the shared port record file. Resolved via aidbpaths
	// when empty.
	RecordPath string

	// LockPath is the companion lock file. Resolved via aidbpaths when empty.
	LockPath string

	// LockTimeout bounds the cross-process lock wait during Acquire.
	LockTimeout time.Duration

	// CleanupMinInterval is the minimum time between stale-allocation sweeps.
	CleanupMinInterval time.Duration

	// ListenAddress is the local address used for candidate bind attempts.
	ListenAddress string

	// OptimisticExtraCandidates widens the candidate set on the optimistic path.
	OptimisticExtraCandidates int

	Logger logr.Logger
}

// Request describes one port acquisition.
type Request struct {
	// Language identifies the adapter the port is for. Diagnostic only.
	Language string

	// SessionID is recorded as the port owner. Required.
	SessionID string

	// PreferredPort is tried first when non-zero.
	PreferredPort int

	// DefaultPort is the adapter's conventional port, tried after the
	// preferred port.
	DefaultPort int

	// FallbackRanges are tried, in randomized order, after the default.
	FallbackRanges []PortRange
}

// Acquisition is the result of a successful Acquire.
type Acquisition struct {
	Port int

	// Optimistic is true when the allocation was made via the relaxed
	// fallback path, without holding the cross-process lock. Exposed so
	// callers and tests can observe the degraded mode.
	Optimistic bool
}

// Registry hands out TCP ports such that no two sessions, in this process or
// any sibling process on the host, believe they own the same port at the
// same time. Construct one Registry per process and inject it; tests
// construct isolated instances over temp directories.
type Registry struct {
	log    logr.Logger
	cfg    Config
	shared *lockfile.RecordFile[PortAllocation]

	// acquireLock serializes acquisition and cleanup sequences so only one
	// read-modify-write of the shared record is in flight per process.
	acquireLock *concurrency.ContextAwareLock

	// mu guards the in-process bookkeeping below.
	mu           sync.Mutex
	portOwner    map[int]string
	sessionPorts map[string][]int
	reservations map[int]net.Listener
	lastCleanup  time.Time
	closed       bool
}

// NewRegistry creates a port registry over the shared record named by cfg.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.RecordPath == "" {
		recordPath, err := aidbpaths.PortRecordPath()
		if err != nil {
			return nil, err
		}
		cfg.RecordPath = recordPath
	}
	if cfg.LockPath == "" {
		lockPath, err := aidbpaths.PortLockPath()
		if err != nil {
			return nil, err
		}
		cfg.LockPath = lockPath
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.CleanupMinInterval <= 0 {
		cfg.CleanupMinInterval = DefaultCleanupMinInterval
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if cfg.OptimisticExtraCandidates <= 0 {
		cfg.OptimisticExtraCandidates = DefaultOptimisticExtraCandidates
	}

	log := cfg.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	shared, err := lockfile.NewRecordFile[PortAllocation](cfg.RecordPath, cfg.LockPath, allocationMarshaller{})
	if err != nil {
		return nil, err
	}

	return &Registry{
		log:          log,
		cfg:          cfg,
		shared:       shared,
		acquireLock:  concurrency.NewContextAwareLock(),
		portOwner:    make(map[int]string),
		sessionPorts: make(map[string][]int),
		reservations: make(map[int]net.Listener),
	}, nil
}

// Acquire allocates a port for the given session. On success the port is
// held by a bound reservation socket until ReleaseReservedPort or Release,
// and recorded in the shared record so sibling processes skip it.
//
// A bind failure on one candidate is not an error; only exhausting every
// candidate is. A cross-process lock wait beyond the configured timeout
// downgrades to the optimistic path instead of failing the caller.
func (r *Registry) Acquire(ctx context.Context, req Request) (Acquisition, error) {
	if req.SessionID == "" {
		return Acquisition{}, ErrSessionIDRequired
	}
	if req.PreferredPort <= 0 && req.DefaultPort <= 0 && len(req.FallbackRanges) == 0 {
		return Acquisition{}, fmt.Errorf("%w (language %q)", ErrNoPortConfiguration, req.Language)
	}
	if r.isClosed() {
		return Acquisition{}, ErrRegistryClosed
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()

	if lockErr := r.acquireLock.Lock(lockCtx); lockErr != nil {
		if ctx.Err() != nil {
			return Acquisition{}, ctx.Err()
		}
		return r.acquireOptimistic(ctx, req)
	}
	defer r.acquireLock.Unlock()

	records, readErr := r.shared.TryLockAndRead(lockCtx)
	if readErr != nil {
		if ctx.Err() != nil {
			return Acquisition{}, ctx.Err()
		}
		if errors.Is(readErr, context.DeadlineExceeded) || errors.Is(readErr, context.Canceled) {
			r.log.Info("Timed out waiting for the port record lock, using optimistic acquisition",
				"language", req.Language, "sessionId", req.SessionID, "timeout", r.cfg.LockTimeout)
			return r.acquireOptimistic(ctx, req)
		}
		return Acquisition{}, fmt.Errorf("could not read port allocation records: %w", readErr)
	}
	// The cross-process lock is now held; every return below must release it.

	candidates := r.buildCandidates(req, 0)
	index := indexByPort(records)

	for _, port := range candidates {
		if alloc, taken := index[port]; taken {
			if r.ownedInProcess(port) {
				continue
			}
			if process.IsRunning(alloc.OwnerPID) {
				continue
			}
			// The recorded owner is dead; the bind below is the authoritative
			// test of whether the entry is stale.
		}

		ln, bindErr := r.bind(port)
		if bindErr != nil {
			continue // not an error, try the next candidate
		}

		if stale, taken := index[port]; taken {
			r.log.Info("Discarding stale port allocation",
				"port", port, "ownerPid", stale.OwnerPID, "staleSessionId", stale.SessionID)
			records = removeByPort(records, port)
		}

		records = append(records, r.newAllocation(req, port))
		if writeErr := r.shared.WriteAndUnlock(ctx, records); writeErr != nil {
			// Never leave a socket bound without its record.
			_ = ln.Close()
			return Acquisition{}, fmt.Errorf("could not persist port allocation: %w", writeErr)
		}

		r.commit(req.SessionID, port, ln)
		r.log.V(1).Info("Acquired port", "port", port, "language", req.Language, "sessionId", req.SessionID)
		return Acquisition{Port: port}, nil
	}

	if unlockErr := r.shared.Unlock(); unlockErr != nil {
		r.log.Error(unlockErr, "Failed to release the port record lock after exhaustion")
	}
	return Acquisition{}, &ExhaustionError{
		Language:   req.Language,
		Candidates: len(candidates),
		Ranges:     req.FallbackRanges,
	}
}

// acquireOptimistic attempts real binds against a widened candidate set
// without taking the cross-process lock, and updates the shared record best
// effort afterwards. This trades a small risk of duplicate bookkeeping for
// forward progress under lock contention.
func (r *Registry) acquireOptimistic(ctx context.Context, req Request) (Acquisition, error) {
	r.log.Info("Optimistic port acquisition",
		"language", req.Language, "sessionId", req.SessionID)

	candidates := r.buildCandidates(req, r.cfg.OptimisticExtraCandidates)

	for _, port := range candidates {
		if ctx.Err() != nil {
			return Acquisition{}, ctx.Err()
		}
		if r.ownedInProcess(port) {
			continue
		}

		ln, bindErr := r.bind(port)
		if bindErr != nil {
			continue
		}

		r.commit(req.SessionID, port, ln)

		alloc := r.newAllocation(req, port)
		r.updateRecordBestEffort(func(records []PortAllocation) []PortAllocation {
			return append(removeByPort(records, port), alloc)
		})

		r.log.V(1).Info("Acquired port optimistically",
			"port", port, "language", req.Language, "sessionId", req.SessionID)
		return Acquisition{Port: port, Optimistic: true}, nil
	}

	return Acquisition{}, &ExhaustionError{
		Language:   req.Language,
		Candidates: len(candidates),
		Ranges:     req.FallbackRanges,
	}
}

// Release frees a port. When sessionID is non-empty, ownership is verified
// first so a session cannot release another session's port. Returns false if
// the port is not held by this process or the ownership check fails.
func (r *Registry) Release(port int, sessionID string) bool {
	r.mu.Lock()
	owner, allocated := r.portOwner[port]
	if !allocated || (sessionID != "" && owner != sessionID) {
		r.mu.Unlock()
		return false
	}

	ln := r.reservations[port]
	delete(r.reservations, port)
	delete(r.portOwner, port)
	r.sessionPorts[owner] = removePort(r.sessionPorts[owner], port)
	if len(r.sessionPorts[owner]) == 0 {
		delete(r.sessionPorts, owner)
	}
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	r.updateRecordBestEffort(func(records []PortAllocation) []PortAllocation {
		return removeOwned(records, port, owner)
	})

	r.log.V(1).Info("Released port", "port", port, "sessionId", owner)
	return true
}

// ReleaseReservedPort closes only the reservation socket for a port, leaving
// the ownership record intact. Called immediately before the adapter process
// binds the port itself.
func (r *Registry) ReleaseReservedPort(port int) bool {
	r.mu.Lock()
	ln, reserved := r.reservations[port]
	delete(r.reservations, port)
	r.mu.Unlock()

	if !reserved || ln == nil {
		return false
	}

	_ = ln.Close()
	r.log.V(1).Info("Released reservation socket", "port", port)
	return true
}

// ReleaseSessionPorts releases every port owned by the given session and
// returns the ports that were released. Invoked during session destroy.
func (r *Registry) ReleaseSessionPorts(sessionID string) []int {
	r.mu.Lock()
	ports := r.sessionPorts[sessionID]
	delete(r.sessionPorts, sessionID)

	var listeners []net.Listener
	for _, port := range ports {
		if ln := r.reservations[port]; ln != nil {
			listeners = append(listeners, ln)
		}
		delete(r.reservations, port)
		delete(r.portOwner, port)
	}
	r.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}

	if len(ports) > 0 {
		r.updateRecordBestEffort(func(records []PortAllocation) []PortAllocation {
			for _, port := range ports {
				records = removeOwned(records, port, sessionID)
			}
			return records
		})
		r.log.V(1).Info("Released session ports", "sessionId", sessionID, "ports", ports)
	}

	return ports
}

// CleanupStaleAllocations re-tests every recorded allocation and drops
// entries whose port is actually free. Rate-limited; returns the number of
// entries dropped. Holds the same exclusive lock as Acquire so a concurrent
// allocation cannot race the sweep.
func (r *Registry) CleanupStaleAllocations(ctx context.Context) (int, error) {
	r.mu.Lock()
	if time.Since(r.lastCleanup) < r.cfg.CleanupMinInterval {
		r.mu.Unlock()
		return 0, nil
	}
	r.lastCleanup = time.Now()
	r.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()

	if lockErr := r.acquireLock.Lock(lockCtx); lockErr != nil {
		return 0, fmt.Errorf("could not start stale allocation cleanup: %w", lockErr)
	}
	defer r.acquireLock.Unlock()

	records, readErr := r.shared.TryLockAndRead(lockCtx)
	if readErr != nil {
		return 0, fmt.Errorf("could not read port allocation records: %w", readErr)
	}

	kept := records[:0]
	removed := 0
	for _, rec := range records {
		if r.ownedInProcess(rec.Port) || process.IsRunning(rec.OwnerPID) {
			kept = append(kept, rec)
			continue
		}

		ln, bindErr := r.bind(rec.Port)
		if bindErr != nil {
			// Port is genuinely in use; the record stays.
			kept = append(kept, rec)
			continue
		}
		_ = ln.Close()

		r.log.Info("Dropping stale port allocation",
			"port", rec.Port, "ownerPid", rec.OwnerPID, "sessionId", rec.SessionID)
		removed++
	}

	if writeErr := r.shared.WriteAndUnlock(ctx, kept); writeErr != nil {
		return removed, fmt.Errorf("could not persist cleaned port records: %w", writeErr)
	}

	return removed, nil
}

// Allocations returns a snapshot of the cross-process allocation records.
func (r *Registry) Allocations(ctx context.Context) ([]PortAllocation, error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTimeout)
	defer cancel()

	records, readErr := r.shared.TryLockAndRead(lockCtx)
	if readErr != nil {
		return nil, readErr
	}
	if unlockErr := r.shared.Unlock(); unlockErr != nil {
		return records, unlockErr
	}
	return records, nil
}

// Close releases all reservation sockets and the shared record handle.
// Recorded allocations for this process remain in the shared file; sibling
// processes will self-heal them as stale once this process exits.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	listeners := make([]net.Listener, 0, len(r.reservations))
	for _, ln := range r.reservations {
		listeners = append(listeners, ln)
	}
	r.reservations = make(map[int]net.Listener)
	r.mu.Unlock()

	var errs []error
	for _, ln := range listeners {
		if closeErr := ln.Close(); closeErr != nil {
			errs = append(errs, closeErr)
		}
	}
	if closeErr := r.shared.Close(); closeErr != nil {
		errs = append(errs, closeErr)
	}
	return errors.Join(errs...)
}

// RecordPath returns the shared record file path in use.
func (r *Registry) RecordPath() string {
	return r.cfg.RecordPath
}

// LockPath returns the companion lock file path in use.
func (r *Registry) LockPath() string {
	return r.cfg.LockPath
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) ownedInProcess(port int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, owned := r.portOwner[port]
	return owned
}

func (r *Registry) commit(sessionID string, port int, ln net.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.portOwner[port] = sessionID
	r.sessionPorts[sessionID] = append(r.sessionPorts[sessionID], port)
	r.reservations[port] = ln
}

func (r *Registry) bind(port int) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(r.cfg.ListenAddress, strconv.Itoa(port)))
}

func (r *Registry) newAllocation(req Request, port int) PortAllocation {
	return PortAllocation{
		Port:      port,
		SessionID: req.SessionID,
		Language:  req.Language,
		OwnerPID:  int32(os.Getpid()), //nolint:gosec // PIDs fit in int32 on supported platforms
		UpdatedAt: time.Now().UTC(),
	}
}

// buildCandidates assembles the candidate list: preferred port first, then
// the default, then each fallback range offset in randomized order, then
// (for the optimistic path) extra random ephemeral ports.
func (r *Registry) buildCandidates(req Request, extra int) []int {
	seen := make(map[int]bool)
	var out []int
	add := func(p int) {
		if p > 0 && p <= 65535 && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	add(req.PreferredPort)
	add(req.DefaultPort)

	var pool []int
	for _, rng := range req.FallbackRanges {
		for p := rng.Start; p <= rng.End; p++ {
			pool = append(pool, p)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	for _, p := range pool {
		add(p)
	}

	for i := 0; i < extra; i++ {
		add(ephemeralRangeStart + rand.IntN(ephemeralRangeEnd-ephemeralRangeStart+1))
	}

	return out
}

// updateRecordBestEffort applies mutate to the shared record under a short
// lock timeout. Failures are logged, never surfaced: these updates are
// bookkeeping that the stale-allocation sweep can reconstruct.
func (r *Registry) updateRecordBestEffort(mutate func([]PortAllocation) []PortAllocation) {
	ctx, cancel := context.WithTimeout(context.Background(), bestEffortRecordTimeout)
	defer cancel()

	records, readErr := r.shared.TryLockAndRead(ctx)
	if readErr != nil {
		r.log.V(1).Info("Best-effort port record update skipped", "reason", readErr.Error())
		return
	}

	if writeErr := r.shared.WriteAndUnlock(ctx, mutate(records)); writeErr != nil {
		r.log.V(1).Info("Best-effort port record update failed", "reason", writeErr.Error())
	}
}

func indexByPort(records []PortAllocation) map[int]PortAllocation {
	index := make(map[int]PortAllocation, len(records))
	for _, rec := range records {
		index[rec.Port] = rec
	}
	return index
}

func removeByPort(records []PortAllocation, port int) []PortAllocation {
	out := records[:0]
	for _, rec := range records {
		if rec.Port != port {
			out = append(out, rec)
		}
	}
	return out
}

func removeOwned(records []PortAllocation, port int, sessionID string) []PortAllocation {
	out := records[:0]
	for _, rec := range records {
		if rec.Port == port && rec.SessionID == sessionID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func removePort(ports []int, port int) []int {
	out := ports[:0]
	for _, p := range ports {
		if p != port {
			out = append(out, p)
		}
	}
	return out
}
