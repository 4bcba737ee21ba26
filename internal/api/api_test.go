package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/revere-nvr/engine/internal/camera"
	"github.com/revere-nvr/engine/internal/database"
	"github.com/revere-nvr/engine/internal/storagefile"
)

func setupCameraStore(t *testing.T) *camera.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(&database.Config{Path: dbPath})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	store, err := camera.NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func setupStorageFile(t *testing.T) *storagefile.StorageFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cam.rvs")
	if err := storagefile.Allocate(path, 64*1024, 4); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	sf, err := storagefile.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { sf.Close() })
	return sf
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestHandleCamerasReturnsStoreList(t *testing.T) {
	store := setupCameraStore(t)
	if _, err := store.Create(context.Background(), camera.Camera{DisplayName: "Front Door", RTSPURL: "rtsp://cam1"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	srv := NewServer(Deps{Cameras: store})
	req := httptest.NewRequest(http.MethodGet, "/cameras", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if !resp.Success {
		t.Fatal("expected success envelope")
	}
}

func TestHandleContentsRequiresCameraID(t *testing.T) {
	store := setupCameraStore(t)
	srv := NewServer(Deps{Cameras: store})
	req := httptest.NewRequest(http.MethodGet, "/contents?start_time=2026-01-01T00:00:00Z&end_time=2026-01-01T01:00:00Z", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleContentsUnknownCameraReturns404(t *testing.T) {
	store := setupCameraStore(t)
	srv := NewServer(Deps{Cameras: store})
	req := httptest.NewRequest(http.MethodGet, "/contents?camera_id=missing&start_time=2026-01-01T00:00:00Z&end_time=2026-01-01T01:00:00Z", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleContentsReturnsSegments(t *testing.T) {
	store := setupCameraStore(t)
	cam, err := store.Create(context.Background(), camera.Camera{DisplayName: "Front Door", RTSPURL: "rtsp://cam1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	sf := setupStorageFile(t)
	wc := sf.CreateWriteContext("video", storagefile.Video, storagefile.CodecInfo{Name: "h264"})
	now := time.Now()
	if err := wc.WriteFrame(context.Background(), []byte{1, 2, 3}, true, now.UnixMilli(), now.UnixMilli()); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	srv := NewServer(Deps{
		Cameras:     store,
		OpenStorage: func(camera.Camera) (*storagefile.StorageFile, error) { return sf, nil },
	})
	start := now.Add(-time.Minute).UTC().Format(time.RFC3339)
	end := now.Add(time.Minute).UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/contents?camera_id="+cam.ID+"&start_time="+start+"&end_time="+end, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleVideoRejectsMissingTimeRange(t *testing.T) {
	store := setupCameraStore(t)
	srv := NewServer(Deps{Cameras: store})
	req := httptest.NewRequest(http.MethodGet, "/video?camera_id=cam-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleMotionsNilOpenerReturnsEmpty(t *testing.T) {
	store := setupCameraStore(t)
	cam, err := store.Create(context.Background(), camera.Camera{DisplayName: "Front Door", RTSPURL: "rtsp://cam1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	srv := NewServer(Deps{Cameras: store})
	now := time.Now()
	start := now.Add(-time.Hour).UTC().Format(time.RFC3339)
	end := now.UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodGet, "/motions?camera_id="+cam.ID+"&start_time="+start+"&end_time="+end, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleStopCameraWithoutKeeperReturns500(t *testing.T) {
	store := setupCameraStore(t)
	srv := NewServer(Deps{Cameras: store})
	req := httptest.NewRequest(http.MethodPost, "/cameras/cam-1/stop", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
