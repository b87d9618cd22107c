package publish

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andresmejia3/tablewatch/internal/types"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPublishSuccess(t *testing.T) {
	var got map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("body is not JSON: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	classID := 5
	barcode := int64(10000270)
	conf := 0.93
	batch := types.Batch{
		StreamID: 12,
		TableID:  "T7",
		Detections: []types.DetectionEvent{
			{TrackID: "1", ClassID: &classID, CardName: "2 of Diamond", Barcode: &barcode, Confidence: &conf, BBox: types.Box{1, 2, 3, 4}, Timestamp: 1700000000},
			{TrackID: "2", CardName: "Unknown Card", BBox: types.Box{5, 6, 7, 8}, Timestamp: 1700000000},
		},
	}

	p := New(srv.URL, time.Second, quiet)
	if !p.Publish(context.Background(), batch) {
		t.Fatal("Expected publish to succeed")
	}
	if p.Published() != 1 {
		t.Errorf("Expected 1 published batch, got %d", p.Published())
	}
	if contentType != "application/json" {
		t.Errorf("Expected application/json, got %q", contentType)
	}

	if got["stream_id"] != float64(12) || got["tableId"] != "T7" {
		t.Errorf("Unexpected envelope: %v", got)
	}
	dets := got["detections"].([]any)
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}
	first := dets[0].(map[string]any)
	if first["barcode"] != float64(10000270) || first["card_name"] != "2 of Diamond" || first["track_id"] != "1" {
		t.Errorf("Unexpected first detection: %v", first)
	}
	second := dets[1].(map[string]any)
	for _, key := range []string{"class_id", "confidence", "barcode"} {
		v, present := second[key]
		if !present || v != nil {
			t.Errorf("Expected %s to be null, got %v (present=%v)", key, v, present)
		}
	}
}

func TestPublishFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "sink down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := New(srv.URL, time.Second, quiet)
	if p.Publish(context.Background(), types.Batch{TableID: "T1"}) {
		t.Error("Expected publish to fail on 503")
	}
	if p.Published() != 0 {
		t.Errorf("Failed publish must not count, got %d", p.Published())
	}
}

func TestPublishNon200Success(t *testing.T) {
	// Only 200 counts as success, matching the sink contract
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := New(srv.URL, time.Second, quiet)
	if p.Publish(context.Background(), types.Batch{TableID: "T1"}) {
		t.Error("Expected 202 to be treated as failure")
	}
}

func TestPublishTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := New(url, 200*time.Millisecond, quiet)
	if p.Publish(context.Background(), types.Batch{TableID: "T1"}) {
		t.Error("Expected publish to fail when the sink is unreachable")
	}
}
