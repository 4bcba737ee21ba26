package camera

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/revere-nvr/engine/internal/database"
)

func setupStore(t *testing.T) *Store {
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

	store, err := NewStore(context.Background(), db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestCreateAndGet(t *testing.T) {
	s := setupStore(t)
	cam, err := s.Create(context.Background(), Camera{DisplayName: "Front Door", RTSPURL: "rtsp://cam1/stream"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cam.ID == "" {
		t.Fatal("expected generated ID")
	}
	if cam.AssignmentState != Discovered {
		t.Fatalf("expected default state discovered, got %s", cam.AssignmentState)
	}

	got, err := s.Get(cam.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DisplayName != "Front Door" {
		t.Fatalf("unexpected display name %q", got.DisplayName)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := setupStore(t)
	if _, err := s.Get("nope"); err == nil {
		t.Fatal("expected error for unknown camera")
	}
}

func TestAssignMovesCameraIntoAssignedSet(t *testing.T) {
	s := setupStore(t)
	cam, _ := s.Create(context.Background(), Camera{DisplayName: "Yard", RTSPURL: "rtsp://cam2/stream"})

	if len(s.Assigned()) != 0 {
		t.Fatal("expected no assigned cameras before Assign")
	}

	assigned, err := s.Assign(context.Background(), cam.ID, "/data/yard.stf", 1<<20, 64)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if assigned.AssignmentState != Assigned {
		t.Fatalf("expected assigned state, got %s", assigned.AssignmentState)
	}

	all := s.Assigned()
	if len(all) != 1 || all[0].ID != cam.ID {
		t.Fatalf("expected exactly the assigned camera, got %+v", all)
	}
}

func TestRemoveDeletesCamera(t *testing.T) {
	s := setupStore(t)
	cam, _ := s.Create(context.Background(), Camera{DisplayName: "Garage"})
	if err := s.Remove(context.Background(), cam.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(cam.ID); err == nil {
		t.Fatal("expected camera to be gone after Remove")
	}
}

func TestConfigHashChangesWithObservableParams(t *testing.T) {
	base := Camera{RTSPURL: "rtsp://a", Username: "u", BlockSize: 1024, BlockCount: 10}
	h1 := ConfigHash(base)

	changed := base
	changed.RTSPURL = "rtsp://b"
	h2 := ConfigHash(changed)

	if h1 == h2 {
		t.Fatal("expected config hash to change when RTSP URL changes")
	}

	sameAgain := base
	if ConfigHash(sameAgain) != h1 {
		t.Fatal("expected identical config hash for identical observable params")
	}
}

type fakeDiscovery struct {
	found []Camera
}

func (f *fakeDiscovery) Discover(ctx context.Context) ([]Camera, error) {
	return f.found, nil
}

func TestApplyDiscoverySkipsKnownCameras(t *testing.T) {
	s := setupStore(t)
	existing, _ := s.Create(context.Background(), Camera{DisplayName: "Known"})

	disco := &fakeDiscovery{found: []Camera{
		{ID: existing.ID, DisplayName: "Known (renamed by discovery)"},
		{ID: "new-cam", DisplayName: "New"},
	}}
	if err := s.ApplyDiscovery(context.Background(), disco); err != nil {
		t.Fatalf("ApplyDiscovery: %v", err)
	}

	got, _ := s.Get(existing.ID)
	if got.DisplayName != "Known" {
		t.Fatalf("expected existing camera untouched, got %q", got.DisplayName)
	}
	if _, err := s.Get("new-cam"); err != nil {
		t.Fatalf("expected new discovered camera to be persisted: %v", err)
	}
}
