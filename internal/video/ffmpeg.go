// Package video decodes stream URLs into JPEG frames through an ffmpeg subprocess.
package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

const megabyte = 1024 * 1024

var (
	// ErrStreamOpen means the decoder could not be started for the URL, or
	// exited before yielding a single frame (unreachable camera, missing file).
	ErrStreamOpen = errors.New("stream open failed")
	// ErrStreamRead means the decoder died or produced unreadable output.
	ErrStreamRead = errors.New("stream read failed")
)

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFFmpegCmd builds the decoder pipe for a stream URL or local file.
// RTSP sources are forced onto TCP transport; output is raw MJPEG on stdout.
func NewFFmpegCmd(ctx context.Context, url string) *exec.Cmd {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if strings.HasPrefix(url, "rtsp://") || strings.HasPrefix(url, "rtsps://") {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", url, "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	return exec.CommandContext(ctx, "ffmpeg", args...)
}

// Stream is an open decoder yielding one JPEG frame per Next call.
type Stream struct {
	url     string
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  bytes.Buffer
	scanner *bufio.Scanner
	frames  int
}

// Open starts ffmpeg for url. Cancelling ctx kills the decoder, which unblocks Next.
func Open(ctx context.Context, url string) (*Stream, error) {
	return start(NewFFmpegCmd(ctx, url), url)
}

func start(cmd *exec.Cmd, url string) (*Stream, error) {
	s := &Stream{url: url, cmd: cmd}
	cmd.Stderr = &s.stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStreamOpen, url, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrStreamOpen, url, err)
	}
	s.out = out

	s.scanner = bufio.NewScanner(out)
	s.scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	s.scanner.Split(SplitJpeg)
	return s, nil
}

// Next returns the next frame, io.EOF when the stream ends cleanly, or an
// error wrapping ErrStreamOpen (no frame was ever produced) or ErrStreamRead.
// The returned slice is only valid until the following call.
func (s *Stream) Next() ([]byte, error) {
	if s.scanner.Scan() {
		s.frames++
		return s.scanner.Bytes(), nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStreamRead, err)
	}
	if err := s.cmd.Wait(); err != nil {
		s.cmd = nil
		kind := ErrStreamRead
		if s.frames == 0 {
			kind = ErrStreamOpen
		}
		return nil, fmt.Errorf("%w: %s: ffmpeg: %v: %s", kind, s.url, err, strings.TrimSpace(s.stderr.String()))
	}
	s.cmd = nil
	return nil, io.EOF
}

// Close stops the decoder. It is safe to call after Next returned an error.
func (s *Stream) Close() error {
	if s.cmd == nil {
		return nil
	}
	s.out.Close() // Ensure pipe is closed to prevent leaks/zombies
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	s.cmd = nil
	return nil
}

// Source opens frame streams. It is the seam tests replace with in-memory frames.
type Source interface {
	Open(ctx context.Context, url string) (Frames, error)
}

// Frames is an open stream of decoded frames.
type Frames interface {
	Next() ([]byte, error)
	Close() error
}

// FFmpegSource opens streams with the ffmpeg decoder.
type FFmpegSource struct{}

func (FFmpegSource) Open(ctx context.Context, url string) (Frames, error) {
	return Open(ctx, url)
}

// GetTotalFrames uses ffprobe to read the frame count for the progress bar
// It returns 0 if the count fails, allowing the caller to fallback to a spinner.
func GetTotalFrames(path string) int {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames string `json:"nb_frames"`
		} `json:"streams"`
	}

	cmd := exec.Command("ffprobe", "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=nb_frames", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}
	var res ffprobeOutput
	if json.Unmarshal(out, &res) != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbFrames)
	if err != nil {
		return 0
	}
	return count
}
