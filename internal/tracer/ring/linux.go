//go:build linux

package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// mmapMemory implements Memory over a real perf_event_open mmap region,
// using the PerfEventOpen+ioctl sequence generalized from a fixed
// task-clock counter to an arbitrary perf_event_attr: it accepts
// samples, callchains, mmap/comm/fork/exit and tracepoint records over
// the same ring.
type mmapMemory struct {
	fd       int
	metadata *unix.PerfEventMmapPage
	data     []byte // the data region following the metadata page.
	raw      []byte // the whole mmap, kept to Munmap on Close.
}

// OpenPerfEventRing opens attr on the given pid/cpu and mmaps pageCount+1
// pages (one metadata page plus pageCount data pages, pageCount a power
// of two) to back a Reader.
func OpenPerfEventRing(attr *unix.PerfEventAttr, pid, cpu int, pageCount int) (*Reader, error) {
	fd, err := unix.PerfEventOpen(attr, pid, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open: %w", err)
	}

	pageSize := unix.Getpagesize()
	mmapSize := pageSize * (pageCount + 1)
	raw, err := unix.Mmap(fd, 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd) //nolint:errcheck
		return nil, fmt.Errorf("mmap perf ring (fd=%d): %w", fd, err)
	}

	mem := &mmapMemory{
		fd: fd,
		metadata: (*unix.PerfEventMmapPage)(unsafe.Pointer(&raw[0])),
		data: raw[pageSize:],
		raw: raw,
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		mem.Close() //nolint:errcheck
		return nil, fmt.Errorf("enable perf event (fd=%d): %w", fd, err)
	}

	return NewReader(mem, fd, zerolog.Nop()), nil
}

func (m *mmapMemory) DataHead() uint64 {
	return atomic.LoadUint64(&m.metadata.Data_head)
}

func (m *mmapMemory) DataTail() uint64 {
	return atomic.LoadUint64(&m.metadata.Data_tail)
}

func (m *mmapMemory) CommitTail(tail uint64) {
	atomic.StoreUint64(&m.metadata.Data_tail, tail)
}

func (m *mmapMemory) Size() uint64 { return uint64(len(m.data)) }

func (m *mmapMemory) ReadAt(dst []byte, offset uint64, size int) {
	n := copy(dst[:size], m.data[offset:])
	if n < size {
		copy(dst[n:size], m.data)
	}
}

// Close disables the counter, unmaps the ring and closes the fd.
func (m *mmapMemory) Close() error {
	_ = unix.IoctlSetInt(m.fd, unix.PERF_EVENT_IOC_DISABLE, 0)
	errMunmap := unix.Munmap(m.raw)
	errClose := unix.Close(m.fd)
	if errMunmap != nil {
		return fmt.Errorf("munmap perf ring (fd=%d): %w", m.fd, errMunmap)
	}
	if errClose != nil {
		return fmt.Errorf("close perf fd %d: %w", m.fd, errClose)
	}
	return nil
}
