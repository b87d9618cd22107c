// Package tracking associates tracker output with raw detections and
// remembers which tracks a session has already reported.
package tracking

import (
	"math"

	"github.com/andresmejia3/tablewatch/internal/types"
)

const (
	// ReportIoUThreshold is the overlap a detection needs to lend its class
	// and confidence to a reported track.
	ReportIoUThreshold = 0.5
	// LooseIoUThreshold is the tracker-level association bound.
	LooseIoUThreshold = 0.3
)

// IoU returns the intersection-over-union of two corner-form boxes.
// It returns 0 when the boxes do not overlap.
func IoU(a, b types.Box) float64 {
	xA := math.Max(a[0], b[0])
	yA := math.Max(a[1], b[1])
	xB := math.Min(a[2], b[2])
	yB := math.Min(a[3], b[3])

	inter := math.Max(0, xB-xA) * math.Max(0, yB-yA)
	if inter == 0 {
		return 0
	}
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	return inter / (areaA + areaB - inter)
}

// Associate finds the detection overlapping trackBox the most.
// Ties keep the earliest detection. The match is returned only if its IoU
// reaches threshold.
func Associate(trackBox types.Box, detections []types.RawDetection, threshold float64) (types.RawDetection, bool) {
	best := -1
	bestIoU := 0.0
	for i, det := range detections {
		if v := IoU(trackBox, det.Corners()); v > bestIoU {
			bestIoU = v
			best = i
		}
	}
	if best == -1 || bestIoU < threshold {
		return types.RawDetection{}, false
	}
	return detections[best], true
}
