/*
author: akashmaji
email: akashmaji@iisc.ac.in
file: go-redis/internal/aof/aof.go
*/

// Package aof implements append-only-file persistence: appending each
// mutating command's original wire frame after it executes successfully,
// replaying those frames on startup, and flushing to disk under one of two
// fsync policies. Grounded on the teacher's aof.go (Aof, NewAof,
// Synchronize) and writer.go (buffered Write/Flush), adapted from a
// goroutine-driven fsync timer to a tick checked by the single-threaded
// event loop's periodic maintenance step (spec.md §4.5).
package aof

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/akashmaji946/go-redis/internal/resp"
)

// FsyncPolicy mirrors config.FsyncPolicy without importing internal/config,
// keeping this package usable independent of the config package's shape.
type FsyncPolicy string

const (
	FsyncNo       FsyncPolicy = "no"
	FsyncEverysec FsyncPolicy = "everysec"
)

// Aof wraps the append-only file: a buffered writer over the open file
// handle, an enabled flag toggled at runtime by the AOF command (spec.md's
// supplemented feature), and the fsync bookkeeping needed for "everysec".
type Aof struct {
	f      *os.File
	w      *bufio.Writer
	policy FsyncPolicy

	enabled bool

	lastFsyncMs int64
}

// Open creates or appends to <dir>/<filename> in read-write mode, matching
// the teacher's os.O_CREATE|os.O_APPEND|os.O_RDWR with 0644 permissions:
// append-only for writers, readable for the replay pass that runs before
// any writes occur.
func Open(dir, filename string, enabled bool, policy FsyncPolicy) (*Aof, error) {
	path := filepath.Join(dir, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening aof file %s: %w", path, err)
	}
	return &Aof{
		f:       f,
		w:       bufio.NewWriter(f),
		policy:  policy,
		enabled: enabled,
	}, nil
}

// Disabled returns an Aof with no backing file: every operation on it is a
// no-op. It is what a server falls back to when Open fails at startup,
// since spec.md §4.3 makes that failure non-fatal rather than letting it
// take down the whole process.
func Disabled(policy FsyncPolicy) *Aof {
	return &Aof{policy: policy}
}

// Enabled reports whether writes are currently being appended.
func (a *Aof) Enabled() bool { return a.enabled }

// Enable turns on AOF writes on a running server (spec.md's supplemented
// AOF ENABLE command).
func (a *Aof) Enable() { a.enabled = true }

// Disable turns off AOF writes without closing the file, so a later Enable
// resumes appending to the same file.
func (a *Aof) Disable() { a.enabled = false }

// Policy reports the current fsync policy (CONFIG GET appendfsync).
func (a *Aof) Policy() FsyncPolicy { return a.policy }

// SetPolicy changes the fsync policy on a running server (CONFIG SET
// appendfsync), resetting the "everysec" clock so the new policy takes
// effect from the next maintenance tick rather than firing immediately.
func (a *Aof) SetPolicy(p FsyncPolicy) {
	a.policy = p
	a.lastFsyncMs = 0
}

// Append serializes frame (a command's original RESP Array) and writes it
// to the buffered writer. It does not flush: flushing is governed by the
// fsync policy via MaintenanceTick, except that the caller may force a
// flush (see FlushNow) for policies needing synchronous durability. A
// non-nil error here is a write failure after a successful open, which
// spec.md §4.3 treats as fatal to AOF; the caller decides how to react.
func (a *Aof) Append(frame resp.Value) error {
	if a.w == nil {
		return nil
	}
	_, err := a.w.Write(resp.Serialize(frame))
	return err
}

// FlushNow flushes the buffered writer and fsyncs the underlying file.
func (a *Aof) FlushNow() error {
	if a.w == nil {
		return nil
	}
	if err := a.w.Flush(); err != nil {
		return err
	}
	return a.f.Sync()
}

// MaintenanceTick is called from the event loop on every iteration (at least
// once per second, given the loop's 1-second poll timeout) with the current
// epoch millisecond. Under "everysec" it flushes+fsyncs once per elapsed second;
// under "no" it only flushes the userspace buffer (letting the OS decide
// when to persist to disk), matching the teacher's FSyncMode semantics
// minus the "always" mode (see DESIGN.md).
func (a *Aof) MaintenanceTick(nowMs int64) error {
	if a.w == nil {
		return nil
	}
	switch a.policy {
	case FsyncEverysec:
		if nowMs-a.lastFsyncMs >= 1000 {
			if err := a.FlushNow(); err != nil {
				return err
			}
			a.lastFsyncMs = nowMs
		}
	default:
		if err := a.w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (a *Aof) Close() error {
	if a.w != nil {
		_ = a.w.Flush()
	}
	if a.f != nil {
		return a.f.Close()
	}
	return nil
}

// Dispatcher is the minimal surface Replay needs from the command engine,
// letting this package stay independent of internal/command (which already
// imports internal/aof) and avoid an import cycle.
type Dispatcher interface {
	Dispatch(request resp.Value) resp.Value
	SetSuppressAof(bool)
}

// ReplayError wraps a mid-stream protocol error encountered during replay:
// spec.md §4.3 requires aborting replay (not skipping the bad frame) since
// a corrupt AOF tail means every following byte offset is unreliable.
type ReplayError struct {
	RecordsApplied int
	Err            error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("aof replay aborted after %d records: %v", e.RecordsApplied, e.Err)
}

func (e *ReplayError) Unwrap() error { return e.Err }

// Replay reads every complete RESP array frame from the AOF file from the
// beginning, dispatching each with writes suppressed, and reports how many
// records were applied. It is run once at startup before the event loop
// accepts connections (spec.md §4.3), grounded on the teacher's
// Synchronize, generalized from a fixed Set-only replay to dispatching
// through the full command table.
func Replay(a *Aof, d Dispatcher) (int, error) {
	if a.f == nil {
		return 0, nil
	}
	if _, err := a.f.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("seeking aof file to start: %w", err)
	}

	buf, err := readAll(a.f)
	if err != nil {
		return 0, fmt.Errorf("reading aof file: %w", err)
	}

	d.SetSuppressAof(true)
	defer d.SetSuppressAof(false)

	applied := 0
	offset := 0
	for offset < len(buf) {
		consumed, value, status, perr := resp.TryParse(buf[offset:])
		switch status {
		case resp.Complete:
			d.Dispatch(value)
			applied++
			offset += consumed
		case resp.Incomplete:
			// A trailing partial frame means the process crashed mid-write;
			// the teacher's Synchronize treats EOF the same way, as a clean
			// stopping point rather than an error.
			return applied, nil
		case resp.ProtocolErr:
			return applied, &ReplayError{RecordsApplied: applied, Err: perr}
		}
	}

	// restore the append position for subsequent writes.
	if _, err := a.f.Seek(0, 2); err != nil {
		return applied, fmt.Errorf("seeking aof file to end: %w", err)
	}
	return applied, nil
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	return buf, nil
}
