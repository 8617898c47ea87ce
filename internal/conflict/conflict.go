// Package conflict implements the optimistic-concurrency check FileService
// runs before every write: §4.7 of the spec. It has no knowledge of vaults
// or the registry — callers supply the path to stat and the path to back
// up to, keeping this package a pure policy + one side-effect (the backup
// copy) that FileService's atomic-write plumbing can reuse.
package conflict

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/atomicobject/vaultd/internal/vaulterr"
)

const op = "conflict"

// Result is what the caller needs to proceed with (or abort) a write.
type Result struct {
	// Proceed is true when the write may go ahead.
	Proceed bool
	// CurrentMTime is the on-disk mtime observed during the check, rounded
	// per roundToSecond. Zero if the file did not exist.
	CurrentMTime time.Time
}

// Check implements the policy in spec §4.7. absPath is the target file's
// resolved, on-disk location; ifModifiedAt is the client's optional
// last-observed mtime (zero Time means "absent" / unconditional write).
//
// On conflict, the current on-disk bytes are copied to
// "<absPath>.conflict-<unixnano>" before returning, so the caller's losing
// write is never silently discarded.
func Check(absPath string, ifModifiedAt time.Time) (Result, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Proceed: true}, nil
		}
		return Result{}, vaulterr.Wrap(vaulterr.Io, op, absPath, err)
	}

	current := roundToSecond(info.ModTime())

	if ifModifiedAt.IsZero() {
		return Result{Proceed: true, CurrentMTime: current}, nil
	}

	if current.Equal(roundToSecond(ifModifiedAt)) {
		return Result{Proceed: true, CurrentMTime: current}, nil
	}

	backupPath, err := backup(absPath)
	if err != nil {
		return Result{}, vaulterr.Wrap(vaulterr.Io, op, absPath, err)
	}

	cerr := &vaulterr.Error{
		Kind:       vaulterr.Conflict,
		Op:         op,
		Path:       absPath,
		Message:    "file was modified on disk since it was last read",
		BackupPath: backupPath,
		ServerMTime: current,
	}
	cerr.WithRecovery("re-read the file and re-issue the write, or retry without if_modified_at to overwrite")
	return Result{Proceed: false, CurrentMTime: current}, cerr
}

// roundToSecond resolves the §9 open question by always rounding to whole
// seconds: the coarser of the two resolutions the spec mentions (FAT/exFAT
// is 2s, everything else is sub-second-to-1s), so a server running on a
// fine-resolution filesystem does not spuriously conflict against a client
// that last observed a second-truncated timestamp.
func roundToSecond(t time.Time) time.Time {
	return t.Truncate(time.Second)
}

func backup(absPath string) (string, error) {
	src, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	backupPath := fmt.Sprintf("%s.conflict-%d", absPath, time.Now().UnixNano())
	dst, err := os.OpenFile(backupPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", err
	}
	return filepath.Clean(backupPath), nil
}
