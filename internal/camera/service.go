// Package camera implements the assigned-camera store: Camera identity and
// operational configuration, persisted in SQLite (upsert-by-id, typed
// NULL-safe scans) and reconciled against by the Stream Keeper, through a
// discovered/assigned lifecycle.
package camera

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/revere-nvr/engine/internal/database"
	"github.com/revere-nvr/engine/internal/engineerr"
)

// AssignmentState is whether a camera has been assigned into the active
// recording set or merely discovered on the network.
type AssignmentState string

const (
	Discovered AssignmentState = "discovered"
	Assigned   AssignmentState = "assigned"
)

// Camera is the identity and operational configuration record. It is
// created by the discovery collaborator, mutated by the assignment UI, and
// destroyed only on explicit removal.
type Camera struct {
	ID                        string
	DisplayName               string
	NetworkAddress            string
	RTSPURL                   string
	Username                  string
	Password                  string
	AssignmentState           AssignmentState
	StoragePath               string
	BlockSize                 int64
	BlockCount                int64
	MotionEnabled             bool
	MotionStoragePath         string
	MotionPruningEnabled      bool
	MinContinuousRecordingHrs int
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// ConfigHash is the content-addressed digest of the observable parameters
// that, if they drift, require a recording restart. It intentionally
// excludes fields the
// Stream Keeper's own reconciliation already handles via assignment state
// (id, display name, storage paths): it is a hash over what a live
// Recording Context cannot adjust without being rebuilt.
func ConfigHash(c Camera) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d|%t", c.RTSPURL, c.Username, c.Password,
		c.AssignmentState, c.BlockSize, c.BlockCount, c.MotionEnabled)
	return hex.EncodeToString(h.Sum(nil))
}

// DiscoverySource is the collaborator that finds cameras on the network
// (ONVIF probe, manual entry, etc). The engine itself does not implement
// discovery; it only consumes whatever this interface reports.
type DiscoverySource interface {
	Discover(ctx context.Context) ([]Camera, error)
}

// Store is the assigned-camera store: SQLite-backed persistence plus an
// in-memory cache of the assigned set, which the Stream Keeper polls on
// its reconciliation tick.
type Store struct {
	db     *database.DB
	logger *slog.Logger

	mu      sync.RWMutex
	cameras map[string]Camera
}

// NewStore constructs a Store and loads the current camera set from disk.
func NewStore(ctx context.Context, db *database.DB) (*Store, error) {
	s := &Store{
		db:      db,
		logger:  slog.Default().With("component", "camera_store"),
		cameras: make(map[string]Camera),
	}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, network_address, rtsp_url, username, password,
		       assignment_state, storage_path, block_size, block_count,
		       motion_enabled, motion_storage_path, motion_pruning_enabled,
		       min_continuous_recording_hours, created_at, updated_at
		FROM cameras
	`)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "camera.reload", "query cameras", err)
	}
	defer rows.Close()

	cameras := make(map[string]Camera)
	for rows.Next() {
		cam, err := scanCamera(rows)
		if err != nil {
			return engineerr.Wrap(engineerr.IoError, "camera.reload", "scan camera row", err)
		}
		cameras[cam.ID] = cam
	}
	if err := rows.Err(); err != nil {
		return engineerr.Wrap(engineerr.IoError, "camera.reload", "iterate camera rows", err)
	}

	s.mu.Lock()
	s.cameras = cameras
	s.mu.Unlock()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCamera(row scanner) (Camera, error) {
	var cam Camera
	var state string
	var motionEnabled, motionPruning int
	var createdAt, updatedAt int64
	err := row.Scan(
		&cam.ID, &cam.DisplayName, &cam.NetworkAddress, &cam.RTSPURL, &cam.Username, &cam.Password,
		&state, &cam.StoragePath, &cam.BlockSize, &cam.BlockCount,
		&motionEnabled, &cam.MotionStoragePath, &motionPruning,
		&cam.MinContinuousRecordingHrs, &createdAt, &updatedAt,
	)
	if err != nil {
		return Camera{}, err
	}
	cam.AssignmentState = AssignmentState(state)
	cam.MotionEnabled = motionEnabled != 0
	cam.MotionPruningEnabled = motionPruning != 0
	cam.CreatedAt = time.Unix(createdAt, 0).UTC()
	cam.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return cam, nil
}

// List returns a stable-ordered snapshot of every known camera.
func (s *Store) List() []Camera {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Camera, 0, len(s.cameras))
	for _, c := range s.cameras {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Assigned returns only cameras in the assigned state, the set the Stream
// Keeper reconciles against.
func (s *Store) Assigned() []Camera {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Camera
	for _, c := range s.cameras {
		if c.AssignmentState == Assigned {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a single camera by id.
func (s *Store) Get(id string) (Camera, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cam, ok := s.cameras[id]
	if !ok {
		return Camera{}, engineerr.New(engineerr.NotFound, "camera.Get", "unknown camera "+id)
	}
	return cam, nil
}

// Create persists a newly discovered or manually entered camera.
func (s *Store) Create(ctx context.Context, cam Camera) (Camera, error) {
	if cam.ID == "" {
		cam.ID = uuid.NewString()
	}
	if cam.AssignmentState == "" {
		cam.AssignmentState = Discovered
	}
	now := time.Now()
	cam.CreatedAt = now
	cam.UpdatedAt = now

	if err := s.upsert(ctx, cam); err != nil {
		return Camera{}, err
	}
	s.mu.Lock()
	s.cameras[cam.ID] = cam
	s.mu.Unlock()
	return cam, nil
}

// Assign flips a discovered camera into the assigned set, the point at
// which the Stream Keeper will start a Recording Context for it.
func (s *Store) Assign(ctx context.Context, id string, storagePath string, blockSize, blockCount int64) (Camera, error) {
	cam, err := s.Get(id)
	if err != nil {
		return Camera{}, err
	}
	cam.AssignmentState = Assigned
	cam.StoragePath = storagePath
	cam.BlockSize = blockSize
	cam.BlockCount = blockCount
	cam.UpdatedAt = time.Now()
	if err := s.upsert(ctx, cam); err != nil {
		return Camera{}, err
	}
	s.mu.Lock()
	s.cameras[cam.ID] = cam
	s.mu.Unlock()
	return cam, nil
}

// Update persists a mutated camera record in place (e.g. assignment UI
// edits to credentials, motion settings, or retention floor).
func (s *Store) Update(ctx context.Context, cam Camera) (Camera, error) {
	if _, err := s.Get(cam.ID); err != nil {
		return Camera{}, err
	}
	cam.UpdatedAt = time.Now()
	if err := s.upsert(ctx, cam); err != nil {
		return Camera{}, err
	}
	s.mu.Lock()
	s.cameras[cam.ID] = cam
	s.mu.Unlock()
	return cam, nil
}

// Remove destroys a camera record. Destruction only ever happens here,
// never implicitly.
func (s *Store) Remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cameras WHERE id = ?`, id); err != nil {
		return engineerr.Wrap(engineerr.IoError, "camera.Remove", "delete camera row", err)
	}
	s.mu.Lock()
	delete(s.cameras, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) upsert(ctx context.Context, cam Camera) error {
	motionEnabled, motionPruning := 0, 0
	if cam.MotionEnabled {
		motionEnabled = 1
	}
	if cam.MotionPruningEnabled {
		motionPruning = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cameras (
			id, display_name, network_address, rtsp_url, username, password,
			assignment_state, storage_path, block_size, block_count,
			motion_enabled, motion_storage_path, motion_pruning_enabled,
			min_continuous_recording_hours, config_hash, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			network_address = excluded.network_address,
			rtsp_url = excluded.rtsp_url,
			username = excluded.username,
			password = excluded.password,
			assignment_state = excluded.assignment_state,
			storage_path = excluded.storage_path,
			block_size = excluded.block_size,
			block_count = excluded.block_count,
			motion_enabled = excluded.motion_enabled,
			motion_storage_path = excluded.motion_storage_path,
			motion_pruning_enabled = excluded.motion_pruning_enabled,
			min_continuous_recording_hours = excluded.min_continuous_recording_hours,
			config_hash = excluded.config_hash,
			updated_at = excluded.updated_at
	`,
		cam.ID, cam.DisplayName, cam.NetworkAddress, cam.RTSPURL, cam.Username, cam.Password,
		string(cam.AssignmentState), cam.StoragePath, cam.BlockSize, cam.BlockCount,
		motionEnabled, cam.MotionStoragePath, motionPruning,
		cam.MinContinuousRecordingHrs, ConfigHash(cam), cam.CreatedAt.Unix(), cam.UpdatedAt.Unix(),
	)
	if err != nil {
		return engineerr.Wrap(engineerr.IoError, "camera.upsert", "persist camera", err)
	}
	return nil
}

// ApplyDiscovery merges results from a DiscoverySource into the store:
// candidates with a camera ID the store does not know become discovered
// cameras; those whose ID is already known are left untouched so an
// operator's assignment state/credentials aren't clobbered.
func (s *Store) ApplyDiscovery(ctx context.Context, src DiscoverySource) error {
	found, err := src.Discover(ctx)
	if err != nil {
		return engineerr.Wrap(engineerr.TransientSourceError, "camera.ApplyDiscovery", "discovery probe failed", err)
	}
	for _, cand := range found {
		s.mu.RLock()
		_, known := s.cameras[cand.ID]
		s.mu.RUnlock()
		if known {
			continue
		}
		if _, err := s.Create(ctx, cand); err != nil {
			s.logger.Warn("failed to persist discovered camera", "camera", cand.ID, "error", err)
		}
	}
	return nil
}
