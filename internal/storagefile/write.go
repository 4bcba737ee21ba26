package storagefile

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/revere-nvr/engine/internal/engineerr"
)

const (
	fileMagic      = uint64(0x52564e52535446) // "RVNRSTF"
	fileVersion    = uint32(1)
	fileHeaderSize = 32 // magic(8) + version(4) + blockSize(8) + blockCount(8) + pad(4)
)

// maxBlockSpan bounds how long (wall-clock) a single block may stay active
// before it is sealed regardless of fill level, so a slow stream doesn't
// hold one block open indefinitely and so retention granularity has an
// upper bound.
const maxBlockSpan = 10 * time.Minute

// StorageFile is a handle on one block-addressed archive: its data file and
// its SQLite catalog sidecar. One StorageFile instance is shared by all of
// a camera's write contexts (video, audio, and the parallel metadata
// stream, when storagefile also backs the Metadata Store).
type StorageFile struct {
	path      string
	f         *os.File
	cat       *catalog
	blockSize int64
	blockCnt  int64
	createdAt time.Time

	mu       sync.Mutex
	contexts map[string]*WriteContext
}

// Allocate creates a new storage file of blockCount blocks of blockSize
// bytes each, plus its catalog sidecar (path + ".catalog.db").
func Allocate(path string, blockSize int64, blockCount int64) error {
	if blockSize <= blockHeaderSize {
		return engineerr.New(engineerr.InvalidArgument, "storagefile.Allocate", "blockSize too small")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.Allocate", "create file", err)
	}
	defer f.Close()

	total := fileHeaderSize + blockSize*blockCount
	if err := f.Truncate(total); err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.Allocate", "truncate", err)
	}

	hdr := make([]byte, fileHeaderSize)
	binary.BigEndian.PutUint64(hdr[0:8], fileMagic)
	binary.BigEndian.PutUint32(hdr[8:12], fileVersion)
	binary.BigEndian.PutUint64(hdr[12:20], uint64(blockSize))
	binary.BigEndian.PutUint64(hdr[20:28], uint64(blockCount))
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.Allocate", "write header", err)
	}

	// Every block starts free, with a zeroed header (BlockFree == 0 already
	// satisfies the zero-value truncate, so no per-block write is needed).

	cat, err := openCatalog(catalogPath(path))
	if err != nil {
		return err
	}
	defer cat.close()
	if err := cat.initBlocks(context.Background(), blockCount); err != nil {
		return err
	}
	return nil
}

func catalogPath(dataPath string) string {
	return dataPath + ".catalog.db"
}

// Open opens an existing storage file and its catalog sidecar.
func Open(path string) (*StorageFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.Open", "open file", err)
	}
	hdr := make([]byte, fileHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.Open", "read header", err)
	}
	if binary.BigEndian.Uint64(hdr[0:8]) != fileMagic {
		f.Close()
		return nil, engineerr.New(engineerr.InvalidArgument, "storagefile.Open", "bad magic")
	}
	blockSize := int64(binary.BigEndian.Uint64(hdr[12:20]))
	blockCount := int64(binary.BigEndian.Uint64(hdr[20:28]))

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.Open", "stat", err)
	}

	cat, err := openCatalog(catalogPath(path))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &StorageFile{
		path:      path,
		f:         f,
		cat:       cat,
		blockSize: blockSize,
		blockCnt:  blockCount,
		createdAt: info.ModTime().UTC(),
		contexts:  make(map[string]*WriteContext),
	}, nil
}

// Close releases the data file and catalog handles.
func (sf *StorageFile) Close() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	for _, wc := range sf.contexts {
		wc.sealActive(context.Background())
	}
	cerr := sf.cat.close()
	ferr := sf.f.Close()
	if ferr != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.Close", "close data file", ferr)
	}
	if cerr != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.Close", "close catalog", cerr)
	}
	return nil
}

func (sf *StorageFile) blockOffset(id int64) int64 {
	return fileHeaderSize + id*sf.blockSize
}

// WriteContext is a sequential writer for one stream tag within a storage
// file: it is bound to exactly one stream tag and appends frames to it in
// arrival order. Obtain one via CreateWriteContext.
type WriteContext struct {
	sf         *StorageFile
	streamTag  string
	mediaType  MediaType
	codec      CodecInfo

	mu         sync.Mutex
	activeID   int64
	haveActive bool
	header     blockHeader
	index      []indexEntry
	capacity   int
	lastTsMs   int64
	haveLastTs bool
}

// CreateWriteContext returns a writer for streamTag/mediaType, creating it
// if this is the first frame seen for that tag.
func (sf *StorageFile) CreateWriteContext(streamTag string, mediaType MediaType, codec CodecInfo) *WriteContext {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	if wc, ok := sf.contexts[streamTag]; ok {
		return wc
	}
	wc := &WriteContext{sf: sf, streamTag: streamTag, mediaType: mediaType, codec: codec}
	sf.contexts[streamTag] = wc
	return wc
}

// ReleaseWriteContext seals streamTag's active block, if any, and forgets
// the write context so a successor Recording Context may later reuse the
// same tag on this file: write contexts must be dropped before a
// successor attempts to reuse their stream tags.
func (sf *StorageFile) ReleaseWriteContext(ctx context.Context, streamTag string) error {
	sf.mu.Lock()
	wc, ok := sf.contexts[streamTag]
	if ok {
		delete(sf.contexts, streamTag)
	}
	sf.mu.Unlock()
	if !ok {
		return nil
	}
	return wc.sealActive(ctx)
}

// WriteFrame appends one frame. Frames must arrive in non-decreasing tsMs
// order per stream tag; a regression is rejected rather than silently
// reordered, since an out-of-order timestamp almost always means a
// misbehaving source.
func (wc *WriteContext) WriteFrame(ctx context.Context, data []byte, key bool, tsMs, dtsMs int64) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	unlock, err := flock(wc.sf.f, true)
	if err != nil {
		return err
	}
	defer unlock()

	if wc.haveLastTs && tsMs < wc.lastTsMs {
		return engineerr.New(engineerr.InvalidArgument, "storagefile.WriteFrame", "timestamp regression")
	}

	if !wc.haveActive {
		if err := wc.openBlock(ctx); err != nil {
			return err
		}
	} else if wc.shouldSeal(len(data), tsMs) {
		if err := wc.sealActiveLocked(ctx); err != nil {
			return err
		}
		if err := wc.openBlock(ctx); err != nil {
			return err
		}
	}

	entry := indexEntry{TsMs: tsMs, DtsMs: dtsMs, Offset: wc.header.WriteOff, Size: uint32(len(data)), Key: key}

	blockOff := wc.sf.blockOffset(wc.activeID)
	payloadOff := blockOff + blockHeaderSize + int64(entry.Offset)
	if _, err := wc.sf.f.WriteAt(data, payloadOff); err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.WriteFrame", "write payload", err)
	}

	wc.index = append(wc.index, entry)
	wc.header.WriteOff += uint32(len(data))
	wc.header.FrameCount++
	if wc.header.FrameCount == 1 {
		wc.header.TStartMs = tsMs
	}
	wc.header.TEndMs = tsMs
	wc.header.Codec = wc.codec

	if err := wc.flushIndexEntry(len(wc.index) - 1); err != nil {
		return err
	}
	if err := wc.flushHeader(); err != nil {
		return err
	}
	if err := wc.sf.cat.updateActiveRange(ctx, wc.activeID, wc.header.TStartMs, wc.header.TEndMs, wc.header.FrameCount, wc.codec); err != nil {
		return err
	}

	wc.lastTsMs = tsMs
	wc.haveLastTs = true
	return nil
}

func (wc *WriteContext) shouldSeal(frameLen int, tsMs int64) bool {
	payloadLim := payloadLimit(wc.sf.blockSize, wc.capacity)
	if int64(wc.header.WriteOff)+int64(frameLen) > payloadLim {
		return true
	}
	if len(wc.index) >= wc.capacity {
		return true
	}
	if wc.header.FrameCount > 0 && time.Duration(tsMs-wc.header.TStartMs)*time.Millisecond > maxBlockSpan {
		return true
	}
	return false
}

func (wc *WriteContext) openBlock(ctx context.Context) error {
	id, ok, err := wc.sf.cat.popFreeBlock(ctx)
	if err != nil {
		return err
	}
	if !ok {
		id, ok, err = wc.sf.cat.oldestSealedBlock(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return engineerr.New(engineerr.IoError, "storagefile.openBlock", "storage file exhausted: no free or sealed blocks")
		}
	}
	if err := wc.sf.cat.markActive(ctx, id, wc.streamTag, wc.mediaType); err != nil {
		return err
	}

	wc.activeID = id
	wc.haveActive = true
	wc.capacity = indexCapacityFor(wc.sf.blockSize)
	wc.index = wc.index[:0]
	wc.header = blockHeader{
		State:     BlockActive,
		StreamTag: wc.streamTag,
		MediaType: wc.mediaType,
		Codec:     wc.codec,
		NextFree:  -1,
	}
	return wc.flushHeader()
}

func (wc *WriteContext) flushHeader() error {
	buf := encodeBlockHeader(wc.header)
	_, err := wc.sf.f.WriteAt(buf, wc.sf.blockOffset(wc.activeID))
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.flushHeader", "write block header", err)
	}
	return nil
}

func (wc *WriteContext) flushIndexEntry(i int) error {
	entry := wc.index[i]
	buf := encodeIndexEntry(entry)
	indexBase := wc.sf.blockOffset(wc.activeID) + wc.sf.blockSize - int64(wc.capacity*indexEntrySize)
	off := indexBase + int64(i*indexEntrySize)
	if _, err := wc.sf.f.WriteAt(buf, off); err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.flushIndexEntry", "write index entry", err)
	}
	return nil
}

// sealActive seals the currently active block, if any. It is called by
// Close and ReleaseWriteContext; the pruner never calls it, since pruning
// only touches sealed blocks.
func (wc *WriteContext) sealActive(ctx context.Context) error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	unlock, err := flock(wc.sf.f, true)
	if err != nil {
		return err
	}
	defer unlock()
	return wc.sealActiveLocked(ctx)
}

func (wc *WriteContext) sealActiveLocked(ctx context.Context) error {
	if !wc.haveActive {
		return nil
	}
	wc.header.State = BlockSealed
	if err := wc.flushHeader(); err != nil {
		return err
	}
	if err := wc.sf.cat.sealBlock(ctx, wc.activeID, wc.header); err != nil {
		return err
	}
	wc.haveActive = false
	return nil
}

// flock acquires (exclusive=true) or releases the whole-file advisory lock
// used to serialize writers against readers walking the same data file.
// Safe to call from multiple write contexts sharing one StorageFile's *os.File:
// flock is scoped to the open file description, so re-acquiring the same
// mode from the same fd is a no-op rather than a second, independent lock.
func flock(f *os.File, exclusive bool) (func(), error) {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	if err := syscall.Flock(int(f.Fd()), how); err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.flock", "acquire", err)
	}
	return func() { syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }, nil
}
