package lockfile

import (
	"bytes"
	"context"
	"errors"
	"os"

	"github.com/ai-debugger-inc/aidb/pkg/osutil"
)

type RecordMarshaller[R any] interface {
	Unmarshal(line []byte) (R, error)
	Marshal(record R) []byte
}

// A RecordFile stores a sequence of records in a data file guarded by a
// companion Lockfile. Each record occupies a single line. The companion file
// carries no content of its own; it exists purely as a lock target, so the
// data file can be replaced atomically while the lock stays held.
//
// An absent data file reads as empty. Malformed lines are dropped rather
// than crashing the reader: sibling processes must always be able to recover
// the shared state from scratch.
type RecordFile[R any] struct {
	guard    *Lockfile
	dataPath string
	rw       RecordMarshaller[R]
}

func NewRecordFile[R any](dataPath string, lockPath string, rw RecordMarshaller[R]) (*RecordFile[R], error) {
	if rw == nil {
		return nil, errors.New("RecordMarshaller cannot be nil")
	}
	guard, err := NewLockfile(lockPath)
	if err != nil {
		return nil, err
	}

	return &RecordFile[R]{
		guard:    guard,
		dataPath: dataPath,
		rw:       rw,
	}, nil
}

// DataPath returns the path of the data file.
func (rf *RecordFile[R]) DataPath() string {
	return rf.dataPath
}

// TryLockAndRead acquires the companion lock and reads all records.
// The lock is left held if the operation is successful, so the caller can
// perform a read-modify-write cycle; Unlock is the caller's responsibility.
func (rf *RecordFile[R]) TryLockAndRead(ctx context.Context) ([]R, error) {
	if rf == nil {
		return nil, errors.New("RecordFile is not initialized")
	}

	lockErr := rf.guard.TryLock(ctx)
	if lockErr != nil {
		return nil, lockErr
	}
	// Unlock left to the caller

	content, readErr := os.ReadFile(rf.dataPath)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return nil, nil
		}
		unlockErr := rf.guard.Unlock()
		return nil, errors.Join(readErr, unlockErr)
	}

	var records []R
	for _, line := range bytes.Split(content, []byte{'\n'}) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}

		record, unmarshalErr := rf.rw.Unmarshal(line)
		if unmarshalErr != nil {
			// Corrupted line, likely a writer that died mid-write.
			// The next WriteAndUnlock rewrites the whole file.
			continue
		}

		records = append(records, record)
	}

	return records, nil
}

// WriteAndUnlock replaces the data file content with the given records and
// releases the companion lock. The lock is released whether or not the write
// succeeds. The data file is written to a temp file and renamed into place so
// readers that ignore the lock never observe a half-written file.
func (rf *RecordFile[R]) WriteAndUnlock(ctx context.Context, records []R) error {
	if rf == nil {
		return errors.New("RecordFile is not initialized")
	}

	// No-op if the lock is already held
	lockErr := rf.guard.TryLock(ctx)
	if lockErr != nil {
		return lockErr
	}
	defer func() {
		_ = rf.guard.Unlock()
	}()

	var buf bytes.Buffer
	for _, record := range records {
		buf.Write(osutil.WithNewline(rf.rw.Marshal(record)))
	}

	tmpPath := rf.dataPath + ".tmp"
	if writeErr := os.WriteFile(tmpPath, buf.Bytes(), osutil.PermissionOnlyOwnerReadWrite); writeErr != nil {
		_ = os.Remove(tmpPath)
		return writeErr
	}

	if renameErr := os.Rename(tmpPath, rf.dataPath); renameErr != nil {
		_ = os.Remove(tmpPath)
		return renameErr
	}

	return nil
}

// Unlock releases the companion lock without writing.
func (rf *RecordFile[R]) Unlock() error {
	return rf.guard.Unlock()
}

// Close releases the lock and the underlying file handle.
func (rf *RecordFile[R]) Close() error {
	return rf.guard.Close()
}
