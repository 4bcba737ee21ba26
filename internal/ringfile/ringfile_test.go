package ringfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/revere-nvr/engine/internal/engineerr"
)

func mustAllocate(t *testing.T, elementSize, elementCount int) (*RingFile, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "motion.rvr")
	if err := Allocate(path, elementSize, elementCount); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	rf, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { rf.Close() })
	return rf, path
}

func TestAllocateRejectsExisting(t *testing.T) {
	_, path := mustAllocate(t, 1, 10)
	if err := Allocate(path, 1, 10); err == nil {
		t.Fatal("expected error re-allocating existing file")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	rf, _ := mustAllocate(t, 1, 100)
	created := rf.CreatedAt()
	fixedNow := created.Add(50 * time.Second)
	rf.SetNowFunc(func() time.Time { return fixedNow })

	for i := 0; i < 50; i++ {
		tp := created.Add(time.Duration(i) * time.Second)
		if err := rf.Write(tp, []byte{byte(i)}); err != nil {
			t.Fatalf("Write at %d: %v", i, err)
		}
	}

	raw, err := rf.QueryRaw(created, created.Add(50*time.Second))
	if err != nil {
		t.Fatalf("QueryRaw: %v", err)
	}
	if len(raw) != 50 {
		t.Fatalf("expected 50 bytes, got %d", len(raw))
	}
	for i := 0; i < 50; i++ {
		if raw[i] != byte(i) {
			t.Errorf("slot %d: got %d want %d", i, raw[i], i)
		}
	}
}

func TestWrapAround(t *testing.T) {
	rf, _ := mustAllocate(t, 1, 10)
	created := rf.CreatedAt()

	// Write 15 seconds worth into a 10-slot ring; slots 0-4 get overwritten.
	for i := 0; i < 15; i++ {
		tp := created.Add(time.Duration(i) * time.Second)
		rf.SetNowFunc(func() time.Time { return tp })
		if err := rf.Write(tp, []byte{byte(i)}); err != nil {
			t.Fatalf("Write at %d: %v", i, err)
		}
	}

	fixedNow := created.Add(15 * time.Second)
	rf.SetNowFunc(func() time.Time { return fixedNow })

	// The window [5s, 15s) should hold values 5..14 in order, spanning the wrap.
	raw, err := rf.QueryRaw(created.Add(5*time.Second), created.Add(15*time.Second))
	if err != nil {
		t.Fatalf("QueryRaw: %v", err)
	}
	for i, want := range []byte{5, 6, 7, 8, 9, 10, 11, 12, 13, 14} {
		if raw[i] != want {
			t.Errorf("index %d: got %d want %d", i, raw[i], want)
		}
	}
}

func TestQueryRejectsTooOldOrFuture(t *testing.T) {
	rf, _ := mustAllocate(t, 1, 10)
	created := rf.CreatedAt()
	fixedNow := created.Add(100 * time.Second)
	rf.SetNowFunc(func() time.Time { return fixedNow })

	cases := []struct {
		name     string
		qs, qe   time.Time
	}{
		{"too old", created, created.Add(time.Second)},
		{"future end", fixedNow, fixedNow.Add(time.Second)},
		{"reversed range", fixedNow.Add(-2 * time.Second), fixedNow.Add(-3 * time.Second)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := rf.QueryRaw(c.qs, c.qe); engineerr.KindOf(err) != engineerr.InvalidArgument {
				t.Fatalf("expected InvalidArgument, got %v", err)
			}
		})
	}
}

func TestWriteRejectsWrongSize(t *testing.T) {
	rf, _ := mustAllocate(t, 4, 10)
	err := rf.Write(rf.CreatedAt(), []byte{1, 2, 3})
	if engineerr.KindOf(err) != engineerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestLastWriteIndexPersistsAcrossReopen(t *testing.T) {
	rf, path := mustAllocate(t, 1, 10)
	created := rf.CreatedAt()
	if err := rf.Write(created.Add(3*time.Second), []byte{7}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rf.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()
	if got := reopened.LastWriteIndex(); got != 3 {
		t.Fatalf("LastWriteIndex: got %d want 3", got)
	}
}
