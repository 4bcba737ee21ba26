package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
version: "1.0"
system:
  name: "Test Engine"
  timezone: "America/New_York"
  storage_path: "/data"
cameras: []
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.System.Name != "Test Engine" {
		t.Errorf("expected name 'Test Engine', got %q", cfg.System.Name)
	}
	if cfg.System.HTTPPort != 10080 {
		t.Errorf("expected default http_port 10080, got %d", cfg.System.HTTPPort)
	}
	if cfg.System.RTSPPort != 10554 {
		t.Errorf("expected default rtsp_port 10554, got %d", cfg.System.RTSPPort)
	}
	if cfg.Storage.RecordExtension != ".rvs" {
		t.Errorf("expected default record extension .rvs, got %q", cfg.Storage.RecordExtension)
	}
	if cfg.Motion.SignificanceK != 2.5 {
		t.Errorf("expected default significance_k 2.5, got %v", cfg.Motion.SignificanceK)
	}
	if cfg.Pruning.DefaultMinContinuousRecordingHrs != 24 {
		t.Errorf("expected default pruning floor 24, got %d", cfg.Pruning.DefaultMinContinuousRecordingHrs)
	}
}

func TestLoadNonExistent(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error when loading non-existent file")
	}
}

func TestSaveAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{
		Version: "1.0",
		System:  SystemConfig{Name: "Test Engine", Timezone: "UTC", StoragePath: "/data"},
		Cameras: []CameraConfig{{ID: "cam-1", Name: "Front Door", RTSPURL: "rtsp://cam1/stream"}},
	}
	cfg.SetPath(configPath)
	cfg.encKey = getEncryptionKey()

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if len(reloaded.Cameras) != 1 || reloaded.Cameras[0].ID != "cam-1" {
		t.Fatalf("expected camera cam-1 to survive a save/load round trip, got %+v", reloaded.Cameras)
	}
}

func TestPasswordRoundTripsThroughEncryption(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{
		Version: "1.0",
		System:  SystemConfig{Name: "Test Engine"},
		Cameras: []CameraConfig{{ID: "cam-1", RTSPURL: "rtsp://cam1/stream", Password: "s3cret"}},
	}
	cfg.SetPath(configPath)
	cfg.encKey = getEncryptionKey()

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(raw), "s3cret") {
		t.Fatal("expected password to be encrypted at rest")
	}

	reloaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.GetCamera("cam-1").Password; got != "s3cret" {
		t.Fatalf("expected decrypted password 's3cret', got %q", got)
	}
}

func TestUpsertAndRemoveCamera(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{Version: "1.0"}
	cfg.SetPath(configPath)
	cfg.encKey = getEncryptionKey()

	if err := cfg.UpsertCamera(CameraConfig{ID: "cam-1", Name: "Front Door"}); err != nil {
		t.Fatalf("UpsertCamera: %v", err)
	}
	if got := cfg.GetCamera("cam-1"); got == nil || got.Name != "Front Door" {
		t.Fatalf("expected cam-1 to be present, got %+v", got)
	}

	if err := cfg.UpsertCamera(CameraConfig{ID: "cam-1", Name: "Renamed"}); err != nil {
		t.Fatalf("UpsertCamera (update): %v", err)
	}
	if got := cfg.GetCamera("cam-1"); got == nil || got.Name != "Renamed" {
		t.Fatalf("expected cam-1 to be renamed, got %+v", got)
	}

	if err := cfg.RemoveCamera("cam-1"); err != nil {
		t.Fatalf("RemoveCamera: %v", err)
	}
	if got := cfg.GetCamera("cam-1"); got != nil {
		t.Fatalf("expected cam-1 to be removed, got %+v", got)
	}
}

func TestRemoveCameraUnknownReturnsError(t *testing.T) {
	tmpDir := t.TempDir()
	cfg := &Config{Version: "1.0"}
	cfg.SetPath(filepath.Join(tmpDir, "config.yaml"))
	cfg.encKey = getEncryptionKey()

	if err := cfg.RemoveCamera("missing"); err == nil {
		t.Fatal("expected error removing an unknown camera")
	}
}

func TestOnChangeFiresAfterReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := &Config{Version: "1.0", System: SystemConfig{Name: "Before"}}
	cfg.SetPath(configPath)
	cfg.encKey = getEncryptionKey()
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fired := make(chan string, 1)
	cfg.OnChange(func(c *Config) { fired <- c.System.Name })

	if err := os.WriteFile(configPath, []byte("version: \"1.0\"\nsystem:\n  name: \"After\"\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg.reload()

	select {
	case name := <-fired:
		if name != "After" {
			t.Fatalf("expected reload callback to observe 'After', got %q", name)
		}
	default:
		t.Fatal("expected OnChange callback to fire")
	}
}

func TestEncryptionKeyFallsBackToDevelopmentDefault(t *testing.T) {
	t.Setenv("NVR_ENCRYPTION_KEY", "")
	key := getEncryptionKey()
	if len(key) != 32 {
		t.Fatalf("expected a 32-byte AES-256 key, got %d bytes", len(key))
	}
}
