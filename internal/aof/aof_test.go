package aof

import (
	"testing"

	"github.com/akashmaji946/go-redis/internal/resp"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	applied  []resp.Value
	suppress bool
	failOn   int
}

func (f *fakeDispatcher) Dispatch(request resp.Value) resp.Value {
	f.applied = append(f.applied, request)
	return resp.SimpleString("OK")
}

func (f *fakeDispatcher) SetSuppressAof(suppress bool) { f.suppress = suppress }

func frame(parts ...string) resp.Value {
	elems := make([]resp.Value, len(parts))
	for i, p := range parts {
		elems[i] = resp.BulkStringFromString(p)
	}
	return resp.Array(elems)
}

func TestAppendThenReplayRestoresCommands(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "test.aof", true, FsyncNo)
	require.NoError(t, err)

	a.Append(frame("SET", "a", "1"))
	a.Append(frame("SET", "b", "2"))
	require.NoError(t, a.FlushNow())
	require.NoError(t, a.Close())

	a2, err := Open(dir, "test.aof", true, FsyncNo)
	require.NoError(t, err)
	defer a2.Close()

	d := &fakeDispatcher{}
	applied, err := Replay(a2, d)
	require.NoError(t, err)
	require.Equal(t, 2, applied)
	require.Len(t, d.applied, 2)
	require.False(t, d.suppress, "suppression must be cleared after replay")
}

func TestReplayAbortsOnMidStreamCorruption(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "corrupt.aof", true, FsyncNo)
	require.NoError(t, err)
	a.Append(frame("SET", "a", "1"))
	require.NoError(t, a.FlushNow())
	// append a byte sequence that is not valid RESP after the good frame.
	_, err = a.f.WriteString("garbage\r\n")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	a2, err := Open(dir, "corrupt.aof", true, FsyncNo)
	require.NoError(t, err)
	defer a2.Close()

	d := &fakeDispatcher{}
	applied, err := Replay(a2, d)
	require.Error(t, err)
	require.Equal(t, 1, applied)
	var replayErr *ReplayError
	require.ErrorAs(t, err, &replayErr)
}

func TestMaintenanceTickEverysecThrottles(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "tick.aof", true, FsyncEverysec)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.MaintenanceTick(1000))
	require.EqualValues(t, 1000, a.lastFsyncMs)
	// within the same second: no-op, lastFsyncMs unchanged
	require.NoError(t, a.MaintenanceTick(1500))
	require.EqualValues(t, 1000, a.lastFsyncMs)
	require.NoError(t, a.MaintenanceTick(2001))
	require.EqualValues(t, 2001, a.lastFsyncMs)
}

func TestDisableEnableTogglesFlag(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "disable.aof", true, FsyncNo)
	require.NoError(t, err)
	defer a.Close()

	a.Disable()
	require.False(t, a.Enabled())
	a.Enable()
	require.True(t, a.Enabled())
}
