package storagefile

import (
	"context"
	"sort"

	"github.com/revere-nvr/engine/internal/engineerr"
)

// readBlockHeader reads and decodes the header of block id.
func (sf *StorageFile) readBlockHeader(id int64) (blockHeader, error) {
	buf := make([]byte, blockHeaderSize)
	if _, err := sf.f.ReadAt(buf, sf.blockOffset(id)); err != nil {
		return blockHeader{}, engineerr.Wrap(engineerr.IoError, "storagefile.readBlockHeader", "read", err)
	}
	return decodeBlockHeader(buf), nil
}

// readIndex reads the frameCount index entries trailing block id.
func (sf *StorageFile) readIndex(id int64, frameCount uint32) ([]indexEntry, error) {
	capacity := indexCapacityFor(sf.blockSize)
	indexBase := sf.blockOffset(id) + sf.blockSize - int64(capacity*indexEntrySize)
	entries := make([]indexEntry, frameCount)
	buf := make([]byte, indexEntrySize)
	for i := uint32(0); i < frameCount; i++ {
		if _, err := sf.f.ReadAt(buf, indexBase+int64(i)*indexEntrySize); err != nil {
			return nil, engineerr.Wrap(engineerr.IoError, "storagefile.readIndex", "read entry", err)
		}
		entries[i] = decodeIndexEntry(buf)
	}
	return entries, nil
}

func (sf *StorageFile) readPayload(id int64, e indexEntry) ([]byte, error) {
	buf := make([]byte, e.Size)
	off := sf.blockOffset(id) + blockHeaderSize + int64(e.Offset)
	if _, err := sf.f.ReadAt(buf, off); err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.readPayload", "read", err)
	}
	return buf, nil
}

// framesInRange returns every frame of streamTag whose ts falls in
// [startMs, endMs], walking back to the preceding key frame so decode
// starting from the result is always possible (§4.1 "Query... returns
// frames starting at or before the nearest preceding key frame").
func (sf *StorageFile) framesInRange(ctx context.Context, streamTag string, startMs, endMs int64) ([]Frame, error) {
	// Widen the catalog lookup so the key frame preceding startMs, which
	// may live in an earlier block, is not missed.
	widenedStart := startMs - int64(maxBlockSpan/1_000_000)
	blocks, err := sf.cat.blocksOverlapping(ctx, streamTag, widenedStart, endMs, []BlockState{BlockActive, BlockSealed})
	if err != nil {
		return nil, err
	}

	unlock, err := flock(sf.f, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	type candidate struct {
		entry indexEntry
		block int64
	}
	var candidates []candidate
	for _, b := range blocks {
		hdr, err := sf.readBlockHeader(b.ID)
		if err != nil {
			return nil, err
		}
		entries, err := sf.readIndex(b.ID, hdr.FrameCount)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.TsMs > endMs {
				continue
			}
			candidates = append(candidates, candidate{entry: e, block: b.ID})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].entry.TsMs < candidates[j].entry.TsMs })

	floor := 0
	for i, c := range candidates {
		if c.entry.Key && c.entry.TsMs <= startMs {
			floor = i
		}
	}

	frames := make([]Frame, 0, len(candidates)-floor)
	for _, c := range candidates[floor:] {
		data, err := sf.readPayload(c.block, c.entry)
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{StreamTag: streamTag, Key: c.entry.Key, TsMs: c.entry.TsMs, DtsMs: c.entry.DtsMs, Data: data})
	}
	return frames, nil
}

// Query builds a blob tree covering [startMs, endMs] for a camera's video
// stream tag and, if non-empty, its paired audio stream tag.
func (sf *StorageFile) Query(ctx context.Context, videoTag, audioTag string, startMs, endMs int64) (*BlobTree, error) {
	if endMs <= startMs {
		return nil, engineerr.New(engineerr.InvalidArgument, "storagefile.Query", "end must be after start")
	}
	videoFrames, err := sf.framesInRange(ctx, videoTag, startMs, endMs)
	if err != nil {
		return nil, err
	}
	tree := &BlobTree{Frames: videoFrames}
	if blocks, err := sf.cat.blocksOverlapping(ctx, videoTag, startMs, endMs, []BlockState{BlockActive, BlockSealed}); err == nil && len(blocks) > 0 {
		tree.VideoCodecName = blocks[0].Codec.Name
		tree.VideoCodecParams = blocks[0].Codec.Params
	}

	if audioTag != "" {
		audioFrames, err := sf.framesInRange(ctx, audioTag, startMs, endMs)
		if err != nil {
			return nil, err
		}
		if len(audioFrames) > 0 {
			tree.HasAudio = true
			tree.Frames = append(tree.Frames, audioFrames...)
			sort.Slice(tree.Frames, func(i, j int) bool { return tree.Frames[i].TsMs < tree.Frames[j].TsMs })
			if blocks, err := sf.cat.blocksOverlapping(ctx, audioTag, startMs, endMs, []BlockState{BlockActive, BlockSealed}); err == nil && len(blocks) > 0 {
				tree.AudioCodecName = blocks[0].Codec.Name
				tree.AudioCodecParams = blocks[0].Codec.Params
			}
		}
	}
	return tree, nil
}

// QueryKey returns the key frame at or immediately preceding tsMs for the
// given stream tag, used for thumbnail generation.
func (sf *StorageFile) QueryKey(ctx context.Context, streamTag string, tsMs int64) (*Frame, error) {
	blocks, err := sf.cat.blocksOverlapping(ctx, streamTag, tsMs-int64(maxBlockSpan/1e6), tsMs, []BlockState{BlockActive, BlockSealed})
	if err != nil {
		return nil, err
	}

	unlock, err := flock(sf.f, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var best *Frame
	for _, b := range blocks {
		hdr, err := sf.readBlockHeader(b.ID)
		if err != nil {
			return nil, err
		}
		entries, err := sf.readIndex(b.ID, hdr.FrameCount)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.Key || e.TsMs > tsMs {
				continue
			}
			if best == nil || e.TsMs > best.TsMs {
				data, err := sf.readPayload(b.ID, e)
				if err != nil {
					return nil, err
				}
				best = &Frame{StreamTag: streamTag, Key: true, TsMs: e.TsMs, DtsMs: e.DtsMs, Data: data}
			}
		}
	}
	if best == nil {
		return nil, engineerr.New(engineerr.NotFound, "storagefile.QueryKey", "no key frame at or before ts")
	}
	return best, nil
}

// QuerySegments reports the contiguous time intervals with retained frames
// for streamTag within [startMs, endMs], splitting on gaps wider than
// 1.25x the median inter-frame interval (a source dropout or a pruned
// block boundary looks the same from here: a gap much larger than normal).
func (sf *StorageFile) QuerySegments(ctx context.Context, streamTag string, startMs, endMs int64) ([]Segment, error) {
	frames, err := sf.framesInRange(ctx, streamTag, startMs, endMs)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}

	deltas := make([]int64, 0, len(frames)-1)
	for i := 1; i < len(frames); i++ {
		d := frames[i].TsMs - frames[i-1].TsMs
		if d > 0 {
			deltas = append(deltas, d)
		}
	}
	threshold := int64(1 << 62)
	if len(deltas) > 0 {
		sorted := append([]int64(nil), deltas...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		median := sorted[len(sorted)/2]
		threshold = (median * 5) / 4
		if threshold < median+1 {
			threshold = median + 1
		}
	}

	var segments []Segment
	segStart := frames[0].TsMs
	prev := frames[0].TsMs
	for i := 1; i < len(frames); i++ {
		if frames[i].TsMs-prev > threshold {
			segments = append(segments, Segment{StartMs: segStart, EndMs: prev})
			segStart = frames[i].TsMs
		}
		prev = frames[i].TsMs
	}
	segments = append(segments, Segment{StartMs: segStart, EndMs: prev})
	return segments, nil
}

// QueryBlocks returns every block (of any stream tag) overlapping
// [startMs, endMs], in ascending start-time order. Used by the Pruner to
// evaluate candidate blocks for reclamation.
func (sf *StorageFile) QueryBlocks(ctx context.Context, startMs, endMs int64) ([]BlockInfo, error) {
	return sf.cat.blocksOverlapping(ctx, "", startMs, endMs, []BlockState{BlockActive, BlockSealed})
}

// FirstTs returns the earliest retained timestamp across the whole file,
// or nil if nothing has been written yet.
func (sf *StorageFile) FirstTs(ctx context.Context) (*int64, error) {
	ts, ok, err := sf.cat.firstTsMs(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &ts, nil
}

// RemoveBlocks marks every sealed block fully contained within
// [startMs, endMs] as free, making it available for reuse. Blocks only
// partially overlapping the range are left untouched — partial removal
// would require splitting a block, which the format doesn't support, so a
// block straddling the boundary is never removed.
func (sf *StorageFile) RemoveBlocks(ctx context.Context, startMs, endMs int64) error {
	blocks, err := sf.cat.allBlocks(ctx, "", []BlockState{BlockSealed})
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b.TStartMs >= startMs && b.TEndMs <= endMs {
			if err := sf.cat.markFree(ctx, b.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
