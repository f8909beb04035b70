//go:build linux || darwin || freebsd || openbsd || netbsd || solaris

package pager

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapReader is a read-only memory map of the database file, used as an
// optional fast path for ReadPage on platforms that support mmap: a
// touched page comes from the kernel's page cache without an extra
// copy_to_user through ReadAt. It never sees dirty pages — those still go
// through the buffer pool and writePageRaw — so there is no coherency
// concern between the map and in-flight writes beyond what the OS already
// guarantees for mmap'd file-backed pages.
type mmapReader struct {
	data []byte
}

// newMmapReader maps the first size bytes of fd read-only. Returns
// (nil, err) if mmap isn't available for this file (e.g. zero length);
// callers fall back to ReadAt in that case.
func newMmapReader(fd uintptr, size int) (*mmapReader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pager: mmap: empty file")
	}
	data, err := unix.Mmap(int(fd), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pager: mmap: %w", err)
	}
	return &mmapReader{data: data}, nil
}

// readPage returns the page-sized slice at id, bounds-checked. The
// returned slice aliases the map; callers must copy before handing it
// past the pager's own lock scope.
func (r *mmapReader) readPage(id PageID, pageSize int) ([]byte, error) {
	off := int64(id) * int64(pageSize)
	if off < 0 || off+int64(pageSize) > int64(len(r.data)) {
		return nil, fmt.Errorf("pager: mmap: page %d out of range", id)
	}
	return r.data[off : off+int64(pageSize)], nil
}

func (r *mmapReader) close() error {
	return unix.Munmap(r.data)
}
