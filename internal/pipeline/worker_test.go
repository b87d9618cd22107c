package pipeline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/tablewatch/internal/store"
	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/andresmejia3/tablewatch/internal/video"

	_ "modernc.org/sqlite"
)

func newTestWorker(st store.ClaimStore, p *Pipeline) *Worker {
	return &Worker{
		ID:             "test",
		Store:          st,
		Pipeline:       p,
		RetryDelay:     time.Millisecond,
		ReleaseTimeout: time.Second,
		Log:            quiet,
	}
}

// runWorker runs w in the background and returns a channel with Run's result.
func runWorker(ctx context.Context, w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestWorkerReleasesAfterStreamEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &memStore{rows: []types.StreamAssignment{
		{ID: 1, URL: "rtsp://cam/1", TableID: "T1"},
		{ID: 2, URL: "rtsp://cam/2", TableID: "T1"},
	}}
	// Stop on the second claim: by then the first session has been released
	st.onClaim = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	pub := &fakePublisher{}
	tr := &fakeTracker{script: [][]types.Track{{confirmed("1", types.Box{0, 0, 1, 1})}}}
	p := newTestPipeline(&fakeSource{frames: 3}, &fakeDetector{}, tr, pub)
	w := newTestWorker(st, p)

	if err := waitDone(t, runWorker(ctx, w)); err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if got := st.Releases(); len(got) != 1 || got[0] != "T1" {
		t.Errorf("Expected a single release of T1, got %v", got)
	}
	rows, _ := st.List(context.Background())
	for _, r := range rows {
		if r.Claimed {
			t.Errorf("row %d left claimed", r.ID)
		}
	}
	if len(pub.Batches()) != 1 {
		t.Errorf("Expected one published batch, got %d", len(pub.Batches()))
	}
	if w.State() != Shutdown {
		t.Errorf("Expected shutdown state, got %s", w.State())
	}
}

func TestWorkerRetriesWhenStoreUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{frames: 0, opened: make(chan string, 1)}
	st := &memStore{
		rows:     []types.StreamAssignment{{ID: 9, URL: "rtsp://cam/9", TableID: "T9"}},
		failNext: 2,
	}
	st.onClaim = func(call int) {
		if call > 3 {
			cancel()
		}
	}
	w := newTestWorker(st, newTestPipeline(src, &fakeDetector{}, &fakeTracker{}, &fakePublisher{}))

	if err := waitDone(t, runWorker(ctx, w)); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	select {
	case url := <-src.opened:
		if url != "rtsp://cam/9" {
			t.Errorf("Opened wrong stream %s", url)
		}
	default:
		t.Fatal("Expected the stream to be opened after the store recovered")
	}
}

func TestWorkerDedupIsScopedToSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &memStore{rows: []types.StreamAssignment{{ID: 1, URL: "rtsp://cam/1", TableID: "T1"}}}
	st.onClaim = func(call int) {
		if call == 3 {
			cancel()
		}
	}
	// The tracker hands out the same id in both sessions
	tr := &fakeTracker{script: [][]types.Track{{confirmed("1", types.Box{0, 0, 1, 1})}}}
	pub := &fakePublisher{}
	p := newTestPipeline(&fakeSource{frames: 1}, &fakeDetector{}, tr, pub)
	p.SampleEvery = 1
	w := newTestWorker(st, p)

	if err := waitDone(t, runWorker(ctx, w)); err != nil {
		t.Fatal(err)
	}
	if len(pub.Batches()) != 2 {
		t.Errorf("Expected track 1 reported once per session (2 total), got %d", len(pub.Batches()))
	}
}

func TestWorkerStopsOnFatalError(t *testing.T) {
	st := &memStore{rows: []types.StreamAssignment{{ID: 1, URL: "rtsp://cam/1", TableID: "T1"}}}
	d := &fakeDetector{errs: map[int]error{0: errBoom}}
	p := newTestPipeline(&fakeSource{frames: 3}, d, &fakeTracker{}, &fakePublisher{})
	p.SampleEvery = 1
	p.Fatal = func(err error) bool { return errors.Is(err, errBoom) }
	w := newTestWorker(st, p)

	err := waitDone(t, runWorker(context.Background(), w))
	if !errors.Is(err, errBoom) {
		t.Fatalf("Expected fatal error, got %v", err)
	}
	if got := st.Releases(); len(got) != 1 {
		t.Errorf("Expected the table released before returning, got %v", got)
	}
}

func TestWorkerBacksOffAfterOpenFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &memStore{rows: []types.StreamAssignment{{ID: 1, URL: "rtsp://dead", TableID: "T1"}}}
	st.onClaim = func(call int) {
		if call == 2 {
			cancel()
		}
	}
	src := &fakeSource{openErr: video.ErrStreamOpen}
	w := newTestWorker(st, newTestPipeline(src, &fakeDetector{}, &fakeTracker{}, &fakePublisher{}))

	if err := waitDone(t, runWorker(ctx, w)); err != nil {
		t.Fatalf("open failures must not be fatal, got %v", err)
	}
	if got := st.Releases(); len(got) != 1 || got[0] != "T1" {
		t.Errorf("Expected failed session to release T1, got %v", got)
	}
}

// TestShutdownReleasesClaim: a termination signal arrives while a live
// stream is claimed; after Run returns the store shows the table unclaimed.
func TestShutdownReleasesClaim(t *testing.T) {
	path := filepath.Join(t.TempDir(), "streams.db")
	st, err := store.NewSQLite(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	admin, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()
	if _, err := admin.Exec("INSERT INTO streams (url, tableId) VALUES ('rtsp://cam/live', 'T5'), ('rtsp://cam/live2', 'T5')"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{frames: 4, block: true, opened: make(chan string, 1)}
	w := newTestWorker(st, newTestPipeline(src, &fakeDetector{}, &fakeTracker{}, &fakePublisher{}))
	done := runWorker(ctx, w)

	select {
	case <-src.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was never opened")
	}

	var claimed int
	if err := admin.QueryRow("SELECT COUNT(*) FROM streams WHERE picked_for_yolo = 1").Scan(&claimed); err != nil {
		t.Fatal(err)
	}
	if claimed != 2 {
		t.Fatalf("Expected both T5 rows claimed while streaming, got %d", claimed)
	}

	cancel() // SIGTERM
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	st.Close(context.Background())

	if err := admin.QueryRow("SELECT COUNT(*) FROM streams WHERE picked_for_yolo = 1").Scan(&claimed); err != nil {
		t.Fatal(err)
	}
	if claimed != 0 {
		t.Errorf("Expected claim cleared after shutdown, %d rows still claimed", claimed)
	}
}

func TestShutdownWhileIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := &memStore{}
	st.onClaim = func(call int) { cancel() }
	w := newTestWorker(st, newTestPipeline(&fakeSource{}, &fakeDetector{}, &fakeTracker{}, &fakePublisher{}))
	w.RetryDelay = time.Hour // the backoff sleep must be interruptible

	if err := waitDone(t, runWorker(ctx, w)); err != nil {
		t.Fatal(err)
	}
	if len(st.Releases()) != 0 {
		t.Errorf("Nothing was claimed, nothing should be released")
	}
}

func TestWorkerLogsCarryWorkerID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := &memStore{rows: []types.StreamAssignment{{ID: 1, URL: "rtsp://cam/1", TableID: "T1"}}}
	st.onClaim = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	var logs bytes.Buffer
	w := newTestWorker(st, newTestPipeline(&fakeSource{frames: 1}, &fakeDetector{}, &fakeTracker{}, &fakePublisher{}))
	w.ID = "worker-7"
	w.Log = slog.New(slog.NewTextHandler(&logs, nil))

	if err := waitDone(t, runWorker(ctx, w)); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(logs.String()), "\n")
	for _, want := range []string{"Picked stream", "Released stream", "Session ended"} {
		found := false
		for _, line := range lines {
			if strings.Contains(line, want) {
				found = true
				if !strings.Contains(line, "worker=worker-7") {
					t.Errorf("%q line missing worker id: %s", want, line)
				}
			}
		}
		if !found {
			t.Errorf("no %q line logged", want)
		}
	}
}
