package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/andresmejia3/tablewatch/internal/store"
	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/andresmejia3/tablewatch/internal/video"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeSource serves numbered frames ("frame-1", "frame-2", ...).
// With block set, Next waits for cancellation once frames run out, like a
// live camera that never ends.
type fakeSource struct {
	mu      sync.Mutex
	frames  int
	block   bool
	openErr error
	opened  chan string
	urls    []string
}

func (s *fakeSource) Open(ctx context.Context, url string) (video.Frames, error) {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.mu.Unlock()
	if s.opened != nil {
		select {
		case s.opened <- url:
		default:
		}
	}
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakeFrames{ctx: ctx, total: s.frames, block: s.block}, nil
}

type fakeFrames struct {
	ctx    context.Context
	total  int
	n      int
	block  bool
	closed bool
}

func (f *fakeFrames) Next() ([]byte, error) {
	if f.n < f.total {
		f.n++
		return []byte(fmt.Sprintf("frame-%d", f.n)), nil
	}
	if f.block {
		<-f.ctx.Done()
		return nil, fmt.Errorf("%w: signal: killed", video.ErrStreamRead)
	}
	return nil, io.EOF
}

func (f *fakeFrames) Close() error {
	f.closed = true
	return nil
}

// fakeDetector returns the i-th script entry on the i-th call, then nothing.
type fakeDetector struct {
	script [][]types.RawDetection
	errs   map[int]error
	frames []string
}

func (d *fakeDetector) Detect(ctx context.Context, frame []byte) ([]types.RawDetection, error) {
	i := len(d.frames)
	d.frames = append(d.frames, string(frame))
	if err := d.errs[i]; err != nil {
		return nil, err
	}
	if i < len(d.script) {
		return d.script[i], nil
	}
	return nil, nil
}

type fakeTracker struct {
	script [][]types.Track
	calls  int
	resets int
	seen   [][]types.RawDetection
}

func (t *fakeTracker) Update(ctx context.Context, detections []types.RawDetection, frame []byte) ([]types.Track, error) {
	i := t.calls
	t.calls++
	t.seen = append(t.seen, detections)
	if i < len(t.script) {
		return t.script[i], nil
	}
	return nil, nil
}

func (t *fakeTracker) Reset(ctx context.Context) error {
	t.resets++
	t.calls = 0
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	batches []types.Batch
	fail    bool
}

func (p *fakePublisher) Publish(ctx context.Context, batch types.Batch) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, batch)
	return !p.fail
}

func (p *fakePublisher) Batches() []types.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Batch(nil), p.batches...)
}

// memStore is an in-memory ClaimStore. onClaim runs before every ClaimNext.
type memStore struct {
	mu       sync.Mutex
	rows     []types.StreamAssignment
	claims   int
	releases []string
	failNext int
	onClaim  func(call int)
}

func (m *memStore) ClaimNext(ctx context.Context) (types.StreamAssignment, error) {
	m.mu.Lock()
	m.claims++
	call := m.claims
	hook := m.onClaim
	m.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return types.StreamAssignment{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return types.StreamAssignment{}, fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)
	}
	for i := range m.rows {
		if m.rows[i].Claimed {
			continue
		}
		table := m.rows[i].TableID
		for j := range m.rows {
			if m.rows[j].TableID == table {
				m.rows[j].Claimed = true
			}
		}
		return m.rows[i], nil
	}
	return types.StreamAssignment{}, store.ErrNoAssignment
}

func (m *memStore) Release(ctx context.Context, tableID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, tableID)
	for i := range m.rows {
		if m.rows[i].TableID == tableID {
			m.rows[i].Claimed = false
		}
	}
	return nil
}

func (m *memStore) List(ctx context.Context) ([]types.StreamAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.StreamAssignment(nil), m.rows...), nil
}

func (m *memStore) Close(ctx context.Context) {}

func (m *memStore) Releases() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.releases...)
}

var errBoom = errors.New("boom")
