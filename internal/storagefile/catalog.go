package storagefile

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/revere-nvr/engine/internal/engineerr"
)

// catalog is the SQLite sidecar index for a storage file: a mapping from
// (stream tag, time range) to block id, sufficient to answer "which blocks
// overlap [t1, t2]?" and "which is earliest?" in sub-linear time.
type catalog struct {
	db *sql.DB
}

func openCatalog(path string) (*catalog, error) {
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.openCatalog", "open sqlite catalog", err)
	}
	db.SetMaxOpenConns(1) // the catalog itself is not a concurrency boundary; the data file's flock is

	schema := `
CREATE TABLE IF NOT EXISTS blocks (
	id INTEGER PRIMARY KEY,
	state TEXT NOT NULL,
	stream_tag TEXT NOT NULL DEFAULT '',
	media_type INTEGER NOT NULL DEFAULT 0,
	t_start_ms INTEGER NOT NULL DEFAULT 0,
	t_end_ms INTEGER NOT NULL DEFAULT 0,
	frame_count INTEGER NOT NULL DEFAULT 0,
	codec_name TEXT NOT NULL DEFAULT '',
	codec_params BLOB
);
CREATE INDEX IF NOT EXISTS idx_blocks_tag_range ON blocks(stream_tag, t_start_ms, t_end_ms);
CREATE INDEX IF NOT EXISTS idx_blocks_state ON blocks(state);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.openCatalog", "create schema", err)
	}
	return &catalog{db: db}, nil
}

func (c *catalog) close() error { return c.db.Close() }

func (c *catalog) initBlocks(ctx context.Context, blockCount int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.initBlocks", "begin tx", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO blocks (id, state) VALUES (?, 'free')`)
	if err != nil {
		tx.Rollback()
		return engineerr.Wrap(engineerr.IoError, "storagefile.initBlocks", "prepare", err)
	}
	for i := int64(0); i < blockCount; i++ {
		if _, err := stmt.ExecContext(ctx, i); err != nil {
			stmt.Close()
			tx.Rollback()
			return engineerr.Wrap(engineerr.IoError, "storagefile.initBlocks", "insert block row", err)
		}
	}
	stmt.Close()
	return tx.Commit()
}

// popFreeBlock returns the lowest-id free block, or (-1, false) if none.
func (c *catalog) popFreeBlock(ctx context.Context) (int64, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT id FROM blocks WHERE state = 'free' ORDER BY id ASC LIMIT 1`)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, engineerr.Wrap(engineerr.IoError, "storagefile.popFreeBlock", "query", err)
	}
	return id, true, nil
}

// oldestSealedBlock returns the globally oldest sealed block (by
// t_start_ms), implementing the storage file's LRU-over-sealed-blocks
// eviction policy.
func (c *catalog) oldestSealedBlock(ctx context.Context) (int64, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT id FROM blocks WHERE state = 'sealed' ORDER BY t_start_ms ASC LIMIT 1`)
	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, engineerr.Wrap(engineerr.IoError, "storagefile.oldestSealedBlock", "query", err)
	}
	return id, true, nil
}

func (c *catalog) markActive(ctx context.Context, id int64, streamTag string, mediaType MediaType) error {
	_, err := c.db.ExecContext(ctx, `UPDATE blocks SET state='active', stream_tag=?, media_type=?, t_start_ms=0, t_end_ms=0, frame_count=0, codec_name='', codec_params=NULL WHERE id=?`,
		streamTag, int(mediaType), id)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.markActive", "update", err)
	}
	return nil
}

func (c *catalog) markFree(ctx context.Context, id int64) error {
	_, err := c.db.ExecContext(ctx, `UPDATE blocks SET state='free' WHERE id=?`, id)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.markFree", "update", err)
	}
	return nil
}

func (c *catalog) sealBlock(ctx context.Context, id int64, h blockHeader) error {
	_, err := c.db.ExecContext(ctx, `UPDATE blocks SET state='sealed', stream_tag=?, media_type=?, t_start_ms=?, t_end_ms=?, frame_count=?, codec_name=?, codec_params=? WHERE id=?`,
		h.StreamTag, int(h.MediaType), h.TStartMs, h.TEndMs, h.FrameCount, h.Codec.Name, h.Codec.Params, id)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.sealBlock", "update", err)
	}
	return nil
}

// updateActiveRange keeps the catalog's view of an in-progress active
// block's time range current, so readers racing the writer (sharing the
// file via the data-file lock) see a reasonably fresh t_end_ms without
// waiting for a seal.
func (c *catalog) updateActiveRange(ctx context.Context, id int64, tStart, tEnd int64, frameCount uint32, codec CodecInfo) error {
	_, err := c.db.ExecContext(ctx, `UPDATE blocks SET t_start_ms=?, t_end_ms=?, frame_count=?, codec_name=?, codec_params=? WHERE id=?`,
		tStart, tEnd, frameCount, codec.Name, codec.Params, id)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "storagefile.updateActiveRange", "update", err)
	}
	return nil
}

func (c *catalog) blocksOverlapping(ctx context.Context, streamTag string, startMs, endMs int64, states []BlockState) ([]BlockInfo, error) {
	q := `SELECT id, state, stream_tag, media_type, t_start_ms, t_end_ms, frame_count, codec_name, codec_params
	      FROM blocks WHERE t_start_ms <= ? AND t_end_ms >= ?`
	args := []interface{}{endMs, startMs}
	if streamTag != "" {
		q += ` AND stream_tag = ?`
		args = append(args, streamTag)
	}
	if len(states) > 0 {
		q += ` AND state IN (`
		for i, s := range states {
			if i > 0 {
				q += `,`
			}
			q += `?`
			args = append(args, s.String())
		}
		q += `)`
	}
	q += ` ORDER BY t_start_ms ASC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.blocksOverlapping", "query", err)
	}
	defer rows.Close()

	return scanBlocks(rows)
}

func (c *catalog) allBlocks(ctx context.Context, streamTag string, states []BlockState) ([]BlockInfo, error) {
	q := `SELECT id, state, stream_tag, media_type, t_start_ms, t_end_ms, frame_count, codec_name, codec_params FROM blocks WHERE 1=1`
	var args []interface{}
	if streamTag != "" {
		q += ` AND stream_tag = ?`
		args = append(args, streamTag)
	}
	if len(states) > 0 {
		q += ` AND state IN (`
		for i, s := range states {
			if i > 0 {
				q += `,`
			}
			q += `?`
			args = append(args, s.String())
		}
		q += `)`
	}
	q += ` ORDER BY t_start_ms ASC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.IoError, "storagefile.allBlocks", "query", err)
	}
	defer rows.Close()
	return scanBlocks(rows)
}

func scanBlocks(rows *sql.Rows) ([]BlockInfo, error) {
	var result []BlockInfo
	for rows.Next() {
		var bi BlockInfo
		var state string
		var mediaType int
		var params []byte
		if err := rows.Scan(&bi.ID, &state, &bi.StreamTag, &mediaType, &bi.TStartMs, &bi.TEndMs, &bi.FrameCount, &bi.Codec.Name, &params); err != nil {
			return nil, engineerr.Wrap(engineerr.IoError, "storagefile.scanBlocks", "scan", err)
		}
		bi.Codec.Params = params
		bi.MediaType = MediaType(mediaType)
		switch state {
		case "free":
			bi.State = BlockFree
		case "active":
			bi.State = BlockActive
		case "sealed":
			bi.State = BlockSealed
		}
		result = append(result, bi)
	}
	return result, rows.Err()
}

func (c *catalog) firstTsMs(ctx context.Context) (int64, bool, error) {
	row := c.db.QueryRowContext(ctx, `SELECT MIN(t_start_ms) FROM blocks WHERE state IN ('active','sealed') AND frame_count > 0`)
	var v sql.NullInt64
	if err := row.Scan(&v); err != nil {
		return 0, false, engineerr.Wrap(engineerr.IoError, "storagefile.firstTsMs", "query", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Int64, true, nil
}
