package types

// Box is an axis-aligned bounding box in corner form [x1, y1, x2, y2].
type Box [4]float64

// BoxFromXYWH converts a [x, y, w, h] box into corner form.
func BoxFromXYWH(xywh [4]float64) Box {
	return Box{xywh[0], xywh[1], xywh[0] + xywh[2], xywh[1] + xywh[3]}
}

// StreamAssignment is one registered video source mapped to a physical table.
// Several assignments may share a TableID (multiple cameras on one table).
type StreamAssignment struct {
	ID      int64
	URL     string
	TableID string
	Claimed bool
}

// RawDetection is a single model detection for one frame.
// Box is kept in the provider's [x, y, w, h] form.
type RawDetection struct {
	Box        [4]float64 `json:"bbox"`
	Confidence float64    `json:"conf"`
	ClassID    int        `json:"class_id"`
}

// Corners returns the detection box in [x1, y1, x2, y2] form.
func (d RawDetection) Corners() Box {
	return BoxFromXYWH(d.Box)
}

// Track is the tracker's view of one physical object across frames.
type Track struct {
	TrackID   string `json:"track_id"`
	Confirmed bool   `json:"confirmed"`
	Box       Box    `json:"ltrb"`
}

// DetectionEvent is emitted once per track, the first time it is confirmed.
// ClassID, Confidence and Barcode are nil when no detection was associated.
type DetectionEvent struct {
	TrackID    string   `json:"track_id"`
	ClassID    *int     `json:"class_id"`
	CardName   string   `json:"card_name"`
	Barcode    *int64   `json:"barcode"`
	Confidence *float64 `json:"confidence"`
	BBox       Box      `json:"bbox"`
	Timestamp  int64    `json:"timestamp"`
}

// Batch is the body POSTed to the publish sink.
type Batch struct {
	StreamID   int64            `json:"stream_id"`
	TableID    string           `json:"tableId"`
	Detections []DetectionEvent `json:"detections"`
}

// ErrorResult captures the error object returned by the inference sidecar on failure
type ErrorResult struct {
	Error string `json:"error"`
}
