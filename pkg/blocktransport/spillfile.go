package blocktransport

import (
	"os"

	"grove.dev/pkg/types"
)

// SpillFile is a scoped temporary-file handle: Close both closes the
// underlying *os.File and removes it from disk, so a file held through it
// is not left behind on any exit path that runs Close, including a panic
// unwind through a deferred Close. btreeindex.Builder's spill path does
// not use it: spilled sub-indices are written with Transport.PutFile and
// are not removed by the builder.
type SpillFile struct {
	*os.File
	path string
}

// NewSpillFile creates a new temporary file in dir (the OS default
// temporary directory if dir is empty) with the given name pattern, per
// os.CreateTemp.
func NewSpillFile(dir, pattern string) (*SpillFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &SpillFile{File: f, path: f.Name()}, nil
}

// Path returns the file's path on disk.
func (s *SpillFile) Path() string { return s.path }

// A SpillFile can be read back, seeked within, and closed through the
// ReadSeekCloser surface.
var _ types.ReadSeekCloser = (*SpillFile)(nil)

// Close closes the underlying file and removes it from disk. It is safe
// to call Close more than once.
func (s *SpillFile) Close() error {
	closeErr := s.File.Close()
	removeErr := os.Remove(s.path)
	if closeErr != nil {
		return closeErr
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return removeErr
	}
	return nil
}
