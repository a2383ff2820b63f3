package lockfile_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ai-debugger-inc/aidb/internal/lockfile"
	"github.com/ai-debugger-inc/aidb/pkg/testutil"
)

type countRecord struct {
	Name  string
	Count int
}

type countMarshaller struct{}

func (countMarshaller) Marshal(r countRecord) []byte {
	return []byte(fmt.Sprintf("%s=%d", r.Name, r.Count))
}

func (countMarshaller) Unmarshal(line []byte) (countRecord, error) {
	name, countStr, found := strings.Cut(string(line), "=")
	if !found {
		return countRecord{}, fmt.Errorf("malformed record %q", line)
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return countRecord{}, err
	}
	return countRecord{Name: name, Count: count}, nil
}

func newCountRecordFile(t *testing.T) *lockfile.RecordFile[countRecord] {
	t.Helper()

	dir := t.TempDir()
	rf, err := lockfile.NewRecordFile[countRecord](
		filepath.Join(dir, "counts.records"),
		filepath.Join(dir, "counts.lock"),
		countMarshaller{},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rf.Close() })
	return rf
}

func TestRecordFileReadModifyWrite(t *testing.T) {
	t.Parallel()

	testCtx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	rf := newCountRecordFile(t)

	// An absent data file reads as empty.
	records, readErr := rf.TryLockAndRead(testCtx)
	require.NoError(t, readErr)
	require.Empty(t, records)

	records = append(records, countRecord{Name: "alpha", Count: 1}, countRecord{Name: "beta", Count: 2})
	require.NoError(t, rf.WriteAndUnlock(testCtx, records))

	records, readErr = rf.TryLockAndRead(testCtx)
	require.NoError(t, readErr)
	require.Equal(t, []countRecord{{Name: "alpha", Count: 1}, {Name: "beta", Count: 2}}, records)

	records[0].Count = 10
	require.NoError(t, rf.WriteAndUnlock(testCtx, records))

	records, readErr = rf.TryLockAndRead(testCtx)
	require.NoError(t, readErr)
	require.NoError(t, rf.Unlock())
	require.Equal(t, 10, records[0].Count)
}

func TestRecordFileSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	testCtx, cancel := testutil.GetTestContext(t, 10*time.Second)
	defer cancel()

	rf := newCountRecordFile(t)

	content := "alpha=1\ngarbage line\nbeta=not-a-number\ngamma=3\n"
	require.NoError(t, os.WriteFile(rf.DataPath(), []byte(content), 0o600))

	records, readErr := rf.TryLockAndRead(testCtx)
	require.NoError(t, readErr)
	require.NoError(t, rf.Unlock())

	require.Equal(t, []countRecord{{Name: "alpha", Count: 1}, {Name: "gamma", Count: 3}}, records)
}

// The companion lock guards the data file across RecordFile instances, the
// way sibling processes contend for it.
func TestRecordFileLockIsExclusive(t *testing.T) {
	t.Parallel()

	testCtx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	dir := t.TempDir()
	dataPath := filepath.Join(dir, "counts.records")
	lockPath := filepath.Join(dir, "counts.lock")

	first, err := lockfile.NewRecordFile[countRecord](dataPath, lockPath, countMarshaller{})
	require.NoError(t, err)
	defer first.Close()

	second, err := lockfile.NewRecordFile[countRecord](dataPath, lockPath, countMarshaller{})
	require.NoError(t, err)
	defer second.Close()

	_, readErr := first.TryLockAndRead(testCtx)
	require.NoError(t, readErr)

	done := make(chan []countRecord, 1)
	go func() {
		records, secondReadErr := second.TryLockAndRead(testCtx)
		require.NoError(t, secondReadErr)
		defer second.Unlock()
		done <- records
	}()

	// The second reader blocks until the first writes and unlocks.
	select {
	case <-done:
		t.Fatal("second reader acquired the lock while the first held it")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, first.WriteAndUnlock(testCtx, []countRecord{{Name: "alpha", Count: 1}}))

	select {
	case records := <-done:
		require.Equal(t, []countRecord{{Name: "alpha", Count: 1}}, records)
	case <-testCtx.Done():
		t.Fatal("second reader never acquired the lock")
	}
}
