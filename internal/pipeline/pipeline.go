// Package pipeline runs one claimed stream through detection, tracking,
// association, deduplication and publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/andresmejia3/tablewatch/internal/cards"
	"github.com/andresmejia3/tablewatch/internal/tracking"
	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/andresmejia3/tablewatch/internal/video"
)

// ErrFrameProcessing wraps detection or tracking failures on a single frame.
// The session logs it and moves on to the next frame.
var ErrFrameProcessing = errors.New("frame processing failed")

// Detector finds cards in one decoded frame.
type Detector interface {
	Detect(ctx context.Context, frame []byte) ([]types.RawDetection, error)
}

// Tracker associates detections across frames and owns track identity.
type Tracker interface {
	Update(ctx context.Context, detections []types.RawDetection, frame []byte) ([]types.Track, error)
}

// Resetter is implemented by trackers that keep state between sessions.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Publisher delivers a batch downstream and reports success.
type Publisher interface {
	Publish(ctx context.Context, batch types.Batch) bool
}

// Pipeline holds the collaborators and settings shared by every session.
type Pipeline struct {
	Source    video.Source
	Detector  Detector
	Tracker   Tracker
	Publisher Publisher

	ConfidenceThreshold float64
	IoUThreshold        float64
	SampleEvery         int

	// Fatal reports errors that must end the session and stop the worker,
	// such as a dead inference sidecar. Nil means none are fatal.
	Fatal func(error) bool
	// OnFrame is called after every frame read, sampled or not.
	OnFrame func()
	Now     func() time.Time
	Log     *slog.Logger
}

// Stats summarizes a finished session.
type Stats struct {
	FramesRead    int
	FramesSampled int
	Events        int
	Batches       int
	FrameErrors   int
}

// Session is the processing lifetime of one claimed assignment.
type Session struct {
	Assignment types.StreamAssignment
	Stats      Stats
	dedup      *tracking.SessionDedup
	log        *slog.Logger
}

// NewSession starts a session with an empty dedup set.
func NewSession(a types.StreamAssignment, log *slog.Logger) *Session {
	return &Session{Assignment: a, dedup: tracking.NewSessionDedup(), log: log}
}

func (p *Pipeline) isFatal(err error) bool {
	return p.Fatal != nil && p.Fatal(err)
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Run opens the assignment's stream and processes it until the stream ends,
// fails, or ctx is cancelled. A clean end of stream returns nil.
func (p *Pipeline) Run(ctx context.Context, s *Session) error {
	if r, ok := p.Tracker.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return fmt.Errorf("reset tracker: %w", err)
		}
	}

	frames, err := p.Source.Open(ctx, s.Assignment.URL)
	if err != nil {
		return err
	}
	defer frames.Close()

	every := max(p.SampleEvery, 1)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := frames.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() // the decoder was killed by cancellation
			}
			return err
		}

		s.Stats.FramesRead++
		if p.OnFrame != nil {
			p.OnFrame()
		}
		if s.Stats.FramesRead%every != 0 {
			continue
		}
		s.Stats.FramesSampled++

		if err := p.ProcessFrame(ctx, s, frame); err != nil {
			if p.isFatal(err) {
				return err
			}
			s.Stats.FrameErrors++
			s.log.Error("Error processing frame", "frame", s.Stats.FramesRead, "err", err)
		}
	}
}

// ProcessFrame runs one sampled frame through the full chain and publishes
// any newly confirmed cards as a single batch.
func (p *Pipeline) ProcessFrame(ctx context.Context, s *Session, frame []byte) error {
	detections, err := p.Detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("%w: detect: %w", ErrFrameProcessing, err)
	}
	detections = filterConfidence(detections, p.ConfidenceThreshold)

	tracks, err := p.Tracker.Update(ctx, detections, frame)
	if err != nil {
		return fmt.Errorf("%w: track: %w", ErrFrameProcessing, err)
	}

	events := p.newEvents(s, tracks, detections, p.now().Unix())
	if len(events) == 0 {
		return nil
	}
	s.Stats.Events += len(events)

	batch := types.Batch{
		StreamID:   s.Assignment.ID,
		TableID:    s.Assignment.TableID,
		Detections: events,
	}
	if p.Publisher.Publish(ctx, batch) {
		s.Stats.Batches++
	}
	return nil
}

// newEvents builds one event per confirmed track not yet reported in this session.
// Tracks without an associated detection are reported with nil class data.
func (p *Pipeline) newEvents(s *Session, tracks []types.Track, detections []types.RawDetection, ts int64) []types.DetectionEvent {
	var events []types.DetectionEvent
	for _, tr := range tracks {
		if !tr.Confirmed || !s.dedup.ShouldReport(tr.TrackID) {
			continue
		}

		ev := types.DetectionEvent{
			TrackID:   tr.TrackID,
			CardName:  cards.UnknownCard,
			BBox:      tr.Box,
			Timestamp: ts,
		}

		if det, ok := tracking.Associate(tr.Box, detections, p.IoUThreshold); ok {
			barcode, err := cards.Barcode(det.ClassID)
			if err != nil {
				// Model/codec mismatch: drop this event only.
				s.log.Warn("Dropping detection with unmapped class", "track_id", tr.TrackID, "err", err)
				continue
			}
			classID, conf := det.ClassID, det.Confidence
			ev.ClassID = &classID
			ev.Confidence = &conf
			ev.Barcode = &barcode
			ev.CardName = cards.CardName(classID)
		}
		events = append(events, ev)
	}
	return events
}

func filterConfidence(detections []types.RawDetection, threshold float64) []types.RawDetection {
	kept := make([]types.RawDetection, 0, len(detections))
	for _, d := range detections {
		if d.Confidence >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}
