// Package ringfile implements a fixed-capacity, time-indexed circular file.
//
// A ring file holds one fixed-size record per wall-clock second over a
// bounded window. The slot for a given time is derived purely from the
// elapsed seconds since the file was created, so no index structure beyond
// the header is needed: wall-clock-modulo addressing implemented on top of
// Go's os.File ReadAt/WriteAt and flock-based locking (plain syscalls, no
// mmap or file-lock library).
package ringfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/revere-nvr/engine/internal/engineerr"
)

const (
	magic      = uint64(0x52564e5252494e47) // "RVNRRING"
	version    = uint32(1)
	headerSize = 8 + 4 + 4 + 8 + 8 + 8 // magic, version, elementSize, elementCount, createdAt, lastWriteIdx
)

// RingFile is a single-writer, multi-reader circular file of fixed-size
// records indexed by wall-clock time.
type RingFile struct {
	path         string
	f            *os.File
	elementSize  uint32
	elementCount uint64
	createdAt    time.Time

	mu            sync.Mutex // serializes header read-modify-write for lastWriteIdx
	lastWriteIdx  int64
	nowFunc       func() time.Time
}

// Allocate creates a new ring file at path with the given per-element size
// and element count. It fails if the file already exists.
func Allocate(path string, elementSize int, elementCount int) error {
	if elementSize <= 0 || elementCount <= 0 {
		return engineerr.New(engineerr.InvalidArgument, "ringfile.Allocate", "elementSize and elementCount must be positive")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return engineerr.Wrap(engineerr.InvalidArgument, "ringfile.Allocate", "file already exists", err)
		}
		return engineerr.Wrap(engineerr.IoError, "ringfile.Allocate", "create file", err)
	}
	defer f.Close()

	total := int64(headerSize) + int64(elementSize)*int64(elementCount)
	if err := f.Truncate(total); err != nil {
		os.Remove(path)
		return engineerr.Wrap(engineerr.IoError, "ringfile.Allocate", "truncate", err)
	}

	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint64(hdr[0:8], magic)
	binary.BigEndian.PutUint32(hdr[8:12], version)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(elementSize))
	binary.BigEndian.PutUint64(hdr[16:24], uint64(elementCount))
	binary.BigEndian.PutUint64(hdr[24:32], uint64(time.Now().Unix()))
	binary.BigEndian.PutUint64(hdr[32:40], ^uint64(0)) // lastWriteIdx: none written yet

	if _, err := f.WriteAt(hdr, 0); err != nil {
		os.Remove(path)
		return engineerr.Wrap(engineerr.IoError, "ringfile.Allocate", "write header", err)
	}
	return nil
}

// Open opens an existing ring file.
func Open(path string) (*RingFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "ringfile.Open", "open file", err)
	}

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, "ringfile.Open", "read header", err)
	}

	if binary.BigEndian.Uint64(hdr[0:8]) != magic {
		f.Close()
		return nil, engineerr.New(engineerr.IoError, "ringfile.Open", "bad magic")
	}

	rf := &RingFile{
		path:         path,
		f:            f,
		elementSize:  binary.BigEndian.Uint32(hdr[12:16]),
		elementCount: binary.BigEndian.Uint64(hdr[16:24]),
		createdAt:    time.Unix(int64(binary.BigEndian.Uint64(hdr[24:32])), 0).UTC(),
		lastWriteIdx: int64(binary.BigEndian.Uint64(hdr[32:40])),
		nowFunc:      time.Now,
	}
	return rf, nil
}

// Close closes the underlying file.
func (r *RingFile) Close() error {
	return r.f.Close()
}

// ElementSize returns the fixed record size.
func (r *RingFile) ElementSize() int { return int(r.elementSize) }

// ElementCount returns the number of slots in the ring.
func (r *RingFile) ElementCount() int64 { return int64(r.elementCount) }

// CreatedAt returns the ring's creation anchor.
func (r *RingFile) CreatedAt() time.Time { return r.createdAt }

func (r *RingFile) idx(tp time.Time) int64 {
	elapsed := int64(tp.Sub(r.createdAt) / time.Second)
	n := int64(r.elementCount)
	m := elapsed % n
	if m < 0 {
		m += n
	}
	return m
}

func (r *RingFile) offset(idx int64) int64 {
	return int64(headerSize) + idx*int64(r.elementSize)
}

func (r *RingFile) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now()
}

// Write appends one record for the slot addressed by tp, taking an
// exclusive lock for the duration of the write.
func (r *RingFile) Write(tp time.Time, data []byte) error {
	if len(data) != int(r.elementSize) {
		return engineerr.New(engineerr.InvalidArgument, "ringfile.Write", fmt.Sprintf("record must be %d bytes, got %d", r.elementSize, len(data)))
	}

	if err := syscall.Flock(int(r.f.Fd()), syscall.LOCK_EX); err != nil {
		return engineerr.Wrap(engineerr.IoError, "ringfile.Write", "flock exclusive", err)
	}
	defer syscall.Flock(int(r.f.Fd()), syscall.LOCK_UN)

	idx := r.idx(tp)
	if _, err := r.f.WriteAt(data, r.offset(idx)); err != nil {
		return engineerr.Wrap(engineerr.IoError, "ringfile.Write", "write record", err)
	}

	r.mu.Lock()
	r.lastWriteIdx = idx
	r.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(idx))
	if _, err := r.f.WriteAt(buf[:], 32); err != nil {
		return engineerr.Wrap(engineerr.IoError, "ringfile.Write", "write last-write-index", err)
	}
	return nil
}

func (r *RingFile) checkRange(qs, qe time.Time) error {
	if !qe.After(qs) {
		return engineerr.New(engineerr.InvalidArgument, "ringfile.Query", "end must be after start")
	}
	now := r.now()
	oldest := now.Add(-time.Duration(r.elementCount) * time.Second)
	if qs.Before(oldest) {
		return engineerr.New(engineerr.InvalidArgument, "ringfile.Query", "query start is too old for the ring's window")
	}
	if qe.After(now) {
		return engineerr.New(engineerr.InvalidArgument, "ringfile.Query", "query end is in the future")
	}
	return nil
}

// Query iterates, in wall-time order, the records covering [qs, qe),
// honoring wrap-around, calling cb once per one-second slot.
func (r *RingFile) Query(qs, qe time.Time, cb func(slot time.Time, data []byte) error) error {
	if err := r.checkRange(qs, qe); err != nil {
		return err
	}

	if err := syscall.Flock(int(r.f.Fd()), syscall.LOCK_SH); err != nil {
		return engineerr.Wrap(engineerr.IoError, "ringfile.Query", "flock shared", err)
	}
	defer syscall.Flock(int(r.f.Fd()), syscall.LOCK_UN)

	n := qe.Sub(qs) / time.Second
	buf := make([]byte, r.elementSize)
	for i := int64(0); i < int64(n); i++ {
		slot := qs.Add(time.Duration(i) * time.Second)
		idx := r.idx(slot)
		if _, err := r.f.ReadAt(buf, r.offset(idx)); err != nil {
			return engineerr.Wrap(engineerr.IoError, "ringfile.Query", "read record", err)
		}
		cp := make([]byte, len(buf))
		copy(cp, buf)
		if err := cb(slot, cp); err != nil {
			return err
		}
	}
	return nil
}

// QueryRaw returns the records covering [qs, qe) as one contiguous byte
// slice, copying across the wrap point when the range crosses it.
func (r *RingFile) QueryRaw(qs, qe time.Time) ([]byte, error) {
	if err := r.checkRange(qs, qe); err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(r.f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "ringfile.QueryRaw", "flock shared", err)
	}
	defer syscall.Flock(int(r.f.Fd()), syscall.LOCK_UN)

	n := int64(qe.Sub(qs) / time.Second)
	result := make([]byte, n*int64(r.elementSize))

	startIdx := r.idx(qs)
	n2 := int64(r.elementCount)
	elementsBeforeWrap := n2 - startIdx
	if elementsBeforeWrap > n {
		elementsBeforeWrap = n
	}
	elementsAfterWrap := n - elementsBeforeWrap

	if _, err := r.f.ReadAt(result[:elementsBeforeWrap*int64(r.elementSize)], r.offset(startIdx)); err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "ringfile.QueryRaw", "read contiguous segment", err)
	}
	if elementsAfterWrap > 0 {
		if _, err := r.f.ReadAt(result[elementsBeforeWrap*int64(r.elementSize):], r.offset(0)); err != nil {
			return nil, engineerr.Wrap(engineerr.IoError, "ringfile.QueryRaw", "read wrapped segment", err)
		}
	}
	return result, nil
}

// LastWriteIndex returns the slot index of the most recent write, or -1 if
// nothing has been written yet.
func (r *RingFile) LastWriteIndex() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastWriteIdx
}

// SetNowFunc overrides the clock used for range validation. Tests use this
// to pin "now" without sleeping real time.
func (r *RingFile) SetNowFunc(f func() time.Time) {
	r.nowFunc = f
}
