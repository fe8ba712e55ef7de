package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "autochat/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autochat.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s) error: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreRecordRoundTrip(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openForTest(t, driver)
			ctx := context.Background()

			if _, err := st.GetRecord(ctx, "autochat"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetRecord on empty store = %v, want ErrNotFound", err)
			}
			if err := st.PutRecord(ctx, "autochat", []byte(`{"enabled":true}`)); err != nil {
				t.Fatalf("PutRecord error: %v", err)
			}
			if err := st.PutRecord(ctx, "autochat", []byte(`{"enabled":false}`)); err != nil {
				t.Fatalf("PutRecord overwrite error: %v", err)
			}
			got, err := st.GetRecord(ctx, "autochat")
			if err != nil {
				t.Fatalf("GetRecord error: %v", err)
			}
			if string(got) != `{"enabled":false}` {
				t.Fatalf("GetRecord = %s", got)
			}
		})
	}
}

func TestStoreDispatchesNewestFirst(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openForTest(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 1; i <= 5; i++ {
				e := DispatchEntry{At: base.Add(time.Duration(i) * time.Second), CycleID: "c", Cycle: i, Seconds: 10, Mode: "direct", Status: "sent"}
				if err := st.AppendDispatch(ctx, e); err != nil {
					t.Fatalf("AppendDispatch error: %v", err)
				}
			}
			got, err := st.RecentDispatches(ctx, 3)
			if err != nil {
				t.Fatalf("RecentDispatches error: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len = %d, want 3", len(got))
			}
			if got[0].Cycle != 5 || got[2].Cycle != 3 {
				t.Fatalf("order = %d..%d, want 5..3", got[0].Cycle, got[2].Cycle)
			}
		})
	}
}

func TestFileStoreSurvivesReopenAndCorruptSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := st.PutRecord(ctx, "autochat", []byte(`{"min_interval":30}`)); err != nil {
		t.Fatalf("PutRecord error: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	got, err := st.GetRecord(ctx, "autochat")
	if err != nil || string(got) != `{"min_interval":30}` {
		t.Fatalf("after reopen GetRecord = %s, %v", got, err)
	}
	_ = st.Close()

	if err := os.WriteFile(filepath.Join(dir, "state.settings.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open with corrupt snapshot error: %v", err)
	}
	defer st.Close()
	if _, err := st.GetRecord(ctx, "autochat"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("corrupt snapshot GetRecord = %v, want ErrNotFound", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
