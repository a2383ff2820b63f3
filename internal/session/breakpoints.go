package session

import (
	"path/filepath"

	"github.com/google/go-dap"
)

// NormalizeSourcePath canonicalizes a source file path for use as a
// breakpoint store key.
func NormalizeSourcePath(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// MergeBreakpoints computes the breakpoint set to send for a file, given the
// protocol's destructive replace-all semantics: every previously recorded
// breakpoint whose line is not named by the new request is appended to the
// outgoing set with its attributes (condition, hit condition, log message)
// intact, while breakpoints in the new request win over any stored
// breakpoint at the same line.
//
// Pure function of (existing, requested); no side effects.
func MergeBreakpoints(existing, requested []dap.SourceBreakpoint) []dap.SourceBreakpoint {
	requestedLines := make(map[int]bool, len(requested))
	for _, bp := range requested {
		requestedLines[bp.Line] = true
	}

	out := make([]dap.SourceBreakpoint, 0, len(requested)+len(existing))
	out = append(out, requested...)
	for _, bp := range existing {
		if !requestedLines[bp.Line] {
			out = append(out, bp)
		}
	}
	return out
}

// BreakpointsFor returns the currently recorded breakpoints for a source
// file. The returned slice is a copy.
func (s *Session) BreakpointsFor(path string) []dap.SourceBreakpoint {
	key := NormalizeSourcePath(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.breakpoints[key]
	out := make([]dap.SourceBreakpoint, len(stored))
	copy(out, stored)
	return out
}

// ReconcileBreakpoints computes the outgoing breakpoint set for a
// replace-all protocol call, merging the request with the session's stored
// breakpoints for the file. The store is not modified; call
// RecordBreakpoints once the protocol call succeeds.
func (s *Session) ReconcileBreakpoints(path string, requested []dap.SourceBreakpoint) []dap.SourceBreakpoint {
	return MergeBreakpoints(s.BreakpointsFor(path), requested)
}

// RecordBreakpoints replaces the stored breakpoint set for a file with the
// set that was actually sent to the adapter.
func (s *Session) RecordBreakpoints(path string, sent []dap.SourceBreakpoint) {
	key := NormalizeSourcePath(path)
	stored := make([]dap.SourceBreakpoint, len(sent))
	copy(stored, sent)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(stored) == 0 {
		delete(s.breakpoints, key)
		return
	}
	s.breakpoints[key] = stored
}

// applyBreakpointEvent keeps the store in sync with adapter-side breakpoint
// changes: removals drop the stored entry, while changed/new breakpoints the
// store does not know about are added at the adapter-reported line.
func (s *Session) applyBreakpointEvent(path string, reason string, line int) {
	key := NormalizeSourcePath(path)

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.breakpoints[key]

	if reason == "removed" {
		kept := stored[:0]
		for _, bp := range stored {
			if bp.Line != line {
				kept = append(kept, bp)
			}
		}
		if len(kept) == 0 {
			delete(s.breakpoints, key)
		} else {
			s.breakpoints[key] = kept
		}
		return
	}

	for _, bp := range stored {
		if bp.Line == line {
			return
		}
	}
	s.breakpoints[key] = append(stored, dap.SourceBreakpoint{Line: line})
}
