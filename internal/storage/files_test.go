package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssd-technologies/vaultrelay/internal/platform"
)

// sequentialCodes returns a code generator yielding code-1, code-2, ...
func sequentialCodes() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("code-%d", n.Add(1))
	}
}

func testFile(fingerprint string) *FileRecord {
	return &FileRecord{
		ProviderRef: "ref-" + fingerprint,
		Fingerprint: fingerprint,
		Kind:        platform.KindDocument,
		Name:        "report.pdf",
		Caption:     "quarterly",
		CreatedAt:   time.Now().Unix(),
	}
}

func TestPutFile_NewThenDuplicate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	gen := sequentialCodes()

	code, isNew, err := db.PutFile(ctx, testFile("uid123"), gen)
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if !isNew {
		t.Fatal("first put should be new")
	}
	if code != "code-1" {
		t.Errorf("code = %q, want code-1", code)
	}

	again, isNew, err := db.PutFile(ctx, testFile("uid123"), gen)
	if err != nil {
		t.Fatalf("second PutFile: %v", err)
	}
	if isNew {
		t.Fatal("second put of the same fingerprint should not be new")
	}
	if again != code {
		t.Errorf("duplicate code = %q, want %q", again, code)
	}

	var rows int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM files WHERE file_unique_id = 'uid123'`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("rows = %d, want 1", rows)
	}
}

func TestPutFile_RetriesOnCollision(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	fixed := func() string { return "samecode" }
	if _, _, err := db.PutFile(ctx, testFile("a"), fixed); err != nil {
		t.Fatalf("PutFile a: %v", err)
	}

	calls := 0
	gen := func() string {
		calls++
		if calls < 3 {
			return "samecode"
		}
		return "freshcode"
	}
	code, isNew, err := db.PutFile(ctx, testFile("b"), gen)
	if err != nil {
		t.Fatalf("PutFile b: %v", err)
	}
	if !isNew || code != "freshcode" {
		t.Errorf("got (%q, %v), want (freshcode, true)", code, isNew)
	}
	if calls != 3 {
		t.Errorf("generator calls = %d, want 3", calls)
	}
}

func TestPutFile_CodeSpaceExhausted(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	fixed := func() string { return "samecode" }
	if _, _, err := db.PutFile(ctx, testFile("a"), fixed); err != nil {
		t.Fatalf("PutFile a: %v", err)
	}
	_, _, err := db.PutFile(ctx, testFile("b"), fixed)
	if !errors.Is(err, ErrCodeSpace) {
		t.Fatalf("err = %v, want ErrCodeSpace", err)
	}
}

func TestPutFile_ConcurrentFirstUploads(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	gen := sequentialCodes()

	const workers = 16
	codes := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, _, err := db.PutFile(ctx, testFile("race"), gen)
			if err != nil {
				t.Errorf("PutFile: %v", err)
				return
			}
			codes[i] = code
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if codes[i] != codes[0] {
			t.Fatalf("codes diverged: %q vs %q", codes[i], codes[0])
		}
	}
	var rows int
	if err := db.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Errorf("rows = %d, want 1", rows)
	}
}

func TestGetFile(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	in := testFile("uid-get")
	code, _, err := db.PutFile(ctx, in, sequentialCodes())
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}

	got, err := db.GetFile(ctx, code)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Fingerprint != "uid-get" || got.ProviderRef != "ref-uid-get" {
		t.Errorf("got fingerprint %q ref %q", got.Fingerprint, got.ProviderRef)
	}
	if got.Kind != platform.KindDocument || got.Name != "report.pdf" || got.Caption != "quarterly" {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.Downloads != 0 || !got.Active {
		t.Errorf("downloads = %d active = %v, want 0 true", got.Downloads, got.Active)
	}
	if got.CreatedAt != in.CreatedAt {
		t.Errorf("created_at = %d, want %d", got.CreatedAt, in.CreatedAt)
	}
}

func TestGetFile_NotFound(t *testing.T) {
	db := testDB(t)
	_, err := db.GetFile(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestIncrementDownloads(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	code, _, err := db.PutFile(ctx, testFile("dl"), sequentialCodes())
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := db.IncrementDownloads(ctx, code); err != nil {
			t.Fatalf("IncrementDownloads: %v", err)
		}
	}
	got, err := db.GetFile(ctx, code)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Downloads != 3 {
		t.Errorf("downloads = %d, want 3", got.Downloads)
	}

	if err := db.IncrementDownloads(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing code: err = %v, want ErrNotFound", err)
	}
}

func TestIncrementDownloads_InactiveUnchanged(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	code, _, err := db.PutFile(ctx, testFile("revoked"), sequentialCodes())
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if _, err := db.db.Exec(`UPDATE files SET is_active = 0 WHERE code = ?`, code); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	if err := db.IncrementDownloads(ctx, code); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	got, err := db.GetFile(ctx, code)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Active || got.Downloads != 0 {
		t.Errorf("active = %v downloads = %d, want false 0", got.Active, got.Downloads)
	}
}

func TestTotals(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	empty, err := db.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if empty != (Totals{}) {
		t.Errorf("empty totals = %+v, want zero", empty)
	}

	gen := sequentialCodes()
	a, _, _ := db.PutFile(ctx, testFile("a"), gen)
	if _, _, err := db.PutFile(ctx, testFile("b"), gen); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	_ = db.IncrementDownloads(ctx, a)
	_ = db.IncrementDownloads(ctx, a)
	_ = db.TrackUser(ctx, 42, time.Now().Unix())

	got, err := db.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	want := Totals{Files: 2, Downloads: 2, Users: 1}
	if got != want {
		t.Errorf("totals = %+v, want %+v", got, want)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	if _, _, err := db.PutFile(context.Background(), testFile("cp"), sequentialCodes()); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	if err := db.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}
