package storagefile

import (
	"encoding/binary"
)

// blockHeaderSize is the fixed region at the start of every block reserved
// for the block header (state, stream tag, codec info, counters). It is
// generous relative to the fields actually used so codec parameter blobs
// (SPS/PPS/VPS, base64-packed caps) have room without a second allocation.
const blockHeaderSize = 512

const (
	maxStreamTagLen = 15
	maxCodecNameLen = 31
	maxCodecParams  = 400
)

const indexEntrySize = 8 + 8 + 4 + 4 + 1 // ts, dts, offset, size, key

// indexCapacityFor returns how many index-table slots a block of the given
// size is given. Larger blocks get proportionally more slots so small
// frames (audio) don't starve the index before the payload region fills.
func indexCapacityFor(blockSize int64) int {
	cap := int(blockSize / 1024)
	if cap < 64 {
		cap = 64
	}
	if cap > 8192 {
		cap = 8192
	}
	return cap
}

// payloadLimit returns the number of bytes available for frame payloads in
// a block, after the header and the index table (sized for the block's
// index capacity) are reserved.
func payloadLimit(blockSize int64, capacity int) int64 {
	return blockSize - blockHeaderSize - int64(capacity*indexEntrySize)
}

// blockHeader is the decoded form of the fixed header at the start of a
// block.
type blockHeader struct {
	State      BlockState
	StreamTag  string
	MediaType  MediaType
	Codec      CodecInfo
	FrameCount uint32
	TStartMs   int64
	TEndMs     int64
	NextFree   int32 // -1 when not on the free list
	WriteOff   uint32
}

func encodeBlockHeader(h blockHeader) []byte {
	buf := make([]byte, blockHeaderSize)
	buf[0] = byte(h.State)
	buf[1] = byte(h.MediaType)

	tag := []byte(h.StreamTag)
	if len(tag) > maxStreamTagLen {
		tag = tag[:maxStreamTagLen]
	}
	buf[2] = byte(len(tag))
	copy(buf[3:3+maxStreamTagLen], tag)

	off := 3 + maxStreamTagLen
	name := []byte(h.Codec.Name)
	if len(name) > maxCodecNameLen {
		name = name[:maxCodecNameLen]
	}
	buf[off] = byte(len(name))
	copy(buf[off+1:off+1+maxCodecNameLen], name)

	off = off + 1 + maxCodecNameLen
	params := h.Codec.Params
	if len(params) > maxCodecParams {
		params = params[:maxCodecParams]
	}
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(params)))
	copy(buf[off+2:off+2+maxCodecParams], params)

	off = off + 2 + maxCodecParams
	binary.BigEndian.PutUint32(buf[off:off+4], h.FrameCount)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(h.TStartMs))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(h.TEndMs))
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(h.NextFree))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], h.WriteOff)

	return buf
}

func decodeBlockHeader(buf []byte) blockHeader {
	var h blockHeader
	h.State = BlockState(buf[0])
	h.MediaType = MediaType(buf[1])

	tagLen := int(buf[2])
	h.StreamTag = string(buf[3 : 3+tagLen])

	off := 3 + maxStreamTagLen
	nameLen := int(buf[off])
	h.Codec.Name = string(buf[off+1 : off+1+nameLen])

	off = off + 1 + maxCodecNameLen
	paramsLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	params := make([]byte, paramsLen)
	copy(params, buf[off+2:off+2+paramsLen])
	h.Codec.Params = params

	off = off + 2 + maxCodecParams
	h.FrameCount = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	h.TStartMs = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	h.TEndMs = int64(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	h.NextFree = int32(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	h.WriteOff = binary.BigEndian.Uint32(buf[off : off+4])

	return h
}

func encodeIndexEntry(e indexEntry) []byte {
	buf := make([]byte, indexEntrySize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.TsMs))
	binary.BigEndian.PutUint64(buf[8:16], uint64(e.DtsMs))
	binary.BigEndian.PutUint32(buf[16:20], e.Offset)
	binary.BigEndian.PutUint32(buf[20:24], e.Size)
	if e.Key {
		buf[24] = 1
	}
	return buf
}

func decodeIndexEntry(buf []byte) indexEntry {
	return indexEntry{
		TsMs:   int64(binary.BigEndian.Uint64(buf[0:8])),
		DtsMs:  int64(binary.BigEndian.Uint64(buf[8:16])),
		Offset: binary.BigEndian.Uint32(buf[16:20]),
		Size:   binary.BigEndian.Uint32(buf[20:24]),
		Key:    buf[24] == 1,
	}
}
