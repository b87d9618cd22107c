// Package engine talks to the inference sidecar that hosts the card
// detection model and the multi-object tracker.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/andresmejia3/tablewatch/internal/types"
	"github.com/andresmejia3/tablewatch/internal/utils"
)

// Request opcodes. Every request is [op:1][len:4 BE][payload]; every
// response is [len:4 BE][JSON].
const (
	opDetect byte = 1
	opTrack  byte = 2
	opReset  byte = 3
)

// maxResponse guards against a corrupt length header allocating gigabytes.
const maxResponse = 64 * 1024 * 1024

var (
	// ErrEngine is returned when the sidecar reports an error object.
	ErrEngine = errors.New("inference engine error")
	// ErrEngineDown means the pipe to the sidecar broke; it has most likely crashed.
	ErrEngineDown = errors.New("inference engine down")
)

type Options struct {
	Script    string
	ModelPath string
	// Confidence is forwarded so the model can skip obviously weak boxes;
	// the pipeline still filters by it.
	Confidence float64
}

// Engine is a running sidecar process. It is not safe for concurrent use.
type Engine struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// Start launches the sidecar. The child writes responses to FD 3 so its
// stdout stays free for library noise.
func Start(opts Options) (*Engine, error) {
	py := utils.NewSafeCommand("python3", "-u", opts.Script,
		"--model", opts.ModelPath,
		"--conf", strconv.FormatFloat(opts.Confidence, 'f', -1, 64))

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %s failed to start: %w", opts.Script, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Engine{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// communicate sends one framed request and reads one framed response.
func (e *Engine) communicate(op byte, payload []byte) ([]byte, error) {
	if _, err := e.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(payload); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // The sidecar crashed or exited
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

// call runs a request and decodes the JSON response into out, surfacing
// the sidecar's {"error": "..."} object as ErrEngine.
func (e *Engine) call(ctx context.Context, op byte, payload []byte, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := e.communicate(op, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineDown, err)
	}

	var errorResult types.ErrorResult
	if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
		return fmt.Errorf("%w: %s", ErrEngine, errorResult.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("engine response malformed: %w", err)
	}
	return nil
}

// Detect runs the card model on one JPEG frame. Boxes come back as [x, y, w, h].
func (e *Engine) Detect(ctx context.Context, frame []byte) ([]types.RawDetection, error) {
	var resp struct {
		Detections []types.RawDetection `json:"detections"`
	}
	if err := e.call(ctx, opDetect, frame, &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

// Update feeds this frame's detections to the tracker and returns its tracks.
func (e *Engine) Update(ctx context.Context, detections []types.RawDetection, frame []byte) ([]types.Track, error) {
	if detections == nil {
		detections = []types.RawDetection{}
	}
	payload, err := json.Marshal(struct {
		Detections []types.RawDetection `json:"detections"`
		Frame      []byte               `json:"frame"`
	}{detections, frame})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Tracks []types.Track `json:"tracks"`
	}
	if err := e.call(ctx, opTrack, payload, &resp); err != nil {
		return nil, err
	}
	return resp.Tracks, nil
}

// Reset discards tracker state so track ids start fresh for a new session.
func (e *Engine) Reset(ctx context.Context) error {
	return e.call(ctx, opReset, nil, nil)
}

// Close shuts down the sidecar and waits for it to exit.
func (e *Engine) Close() {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd != nil {
		e.Cmd.Wait()
	}
}
