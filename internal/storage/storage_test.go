package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "tokfresh/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "tokfresh.db")
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestDeploymentHistory(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite", "memory"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openForTest(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 10, 18, 6, 0, 0, 0, time.UTC)

			recs := []Deployment{
				{ID: "a", StartedAt: base, FinishedAt: base.Add(time.Second), Cron: "0 21,2,7,12 * * *", Timezone: "Asia/Seoul", Success: true, Progress: []string{"one", "two"}},
				{ID: "b", StartedAt: base.Add(2 * time.Hour), FinishedAt: base.Add(2 * time.Hour), Cron: "0 1 * * *", Timezone: "UTC", FailedStep: "UploadWorker", Error: "boom", Progress: []string{"one"}},
				{ID: "c", StartedAt: base.Add(time.Hour), FinishedAt: base.Add(time.Hour), Cron: "0 2 * * *", Timezone: "UTC", AccountID: "acc", NamespaceID: "ns", Success: true},
			}
			for _, r := range recs {
				if err := st.AppendDeployment(ctx, r); err != nil {
					t.Fatalf("AppendDeployment(%s): %v", r.ID, err)
				}
			}

			all, err := st.ListDeployments(ctx, 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 3 || all[0].ID != "b" || all[1].ID != "c" || all[2].ID != "a" {
				t.Fatalf("order = %v", ids(all))
			}
			if all[0].Success || all[0].FailedStep != "UploadWorker" || all[0].Error != "boom" {
				t.Fatalf("failed record = %+v", all[0])
			}
			if len(all[2].Progress) != 2 || all[2].Progress[1] != "two" {
				t.Fatalf("progress = %v", all[2].Progress)
			}
			if !all[2].StartedAt.Equal(base) {
				t.Fatalf("started = %v", all[2].StartedAt)
			}
			if all[1].AccountID != "acc" || all[1].NamespaceID != "ns" {
				t.Fatalf("ids = %+v", all[1])
			}

			top, err := st.ListDeployments(ctx, 1)
			if err != nil || len(top) != 1 || top[0].ID != "b" {
				t.Fatalf("limit 1 = %v, %v", ids(top), err)
			}
		})
	}
}

func TestKV(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite", "memory"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openForTest(t, driver)
			ctx := context.Background()

			if _, ok, err := st.Get(ctx, "refresh_token"); ok || err != nil {
				t.Fatalf("Get on empty = %v, %v", ok, err)
			}
			for _, v := range []string{"rt-1", "rt-2"} {
				if err := st.Put(ctx, "refresh_token", v); err != nil {
					t.Fatal(err)
				}
			}
			v, ok, err := st.Get(ctx, "refresh_token")
			if err != nil || !ok || v != "rt-2" {
				t.Fatalf("Get = %q, %v, %v", v, ok, err)
			}
		})
	}
}

func TestFileKVSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokfresh")
	ctx := context.Background()

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	// Enough writes to force one compaction plus a journal tail.
	for i := 0; i < compactEvery+3; i++ {
		if err := st.Put(ctx, "refresh_token", "rt-"+time.Duration(i).String()); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.AppendDeployment(ctx, Deployment{ID: "x", StartedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, "k", "v"); err == nil {
		t.Fatal("Put after Close should fail")
	}

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	want := "rt-" + time.Duration(compactEvery+2).String()
	if v, ok, _ := st.Get(ctx, "refresh_token"); !ok || v != want {
		t.Fatalf("after reopen = %q, %v; want %q", v, ok, want)
	}
	if recs, _ := st.ListDeployments(ctx, 0); len(recs) != 1 {
		t.Fatalf("history after reopen = %d records", len(recs))
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokfresh.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Put(ctx, "refresh_token", "rt-9"); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if v, ok, _ := st.Get(ctx, "refresh_token"); !ok || v != "rt-9" {
		t.Fatalf("after reopen = %q, %v", v, ok)
	}
}

func ids(ds []Deployment) []string {
	out := make([]string, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}
