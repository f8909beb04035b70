//go:build windows

package pager

import "fmt"

// mmapReader's Windows stub: the mmap fast path is Unix-only (see
// mmap_unix.go); on Windows the pager always falls back to ReadAt.
type mmapReader struct{}

func newMmapReader(fd uintptr, size int) (*mmapReader, error) {
	return nil, fmt.Errorf("pager: mmap not supported on this platform")
}

func (r *mmapReader) readPage(id PageID, pageSize int) ([]byte, error) {
	return nil, fmt.Errorf("pager: mmap not supported on this platform")
}

func (r *mmapReader) close() error { return nil }
