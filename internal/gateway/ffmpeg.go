package gateway

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Variant selects the output pipeline of a stream worker.
type Variant string

const (
	// VariantMPEGTS is the low-latency default: an MPEG-TS elementary
	// stream on stdout, relayed to viewers over the websocket path.
	VariantMPEGTS Variant = "mpegts"
	// VariantHLS is the opt-in fallback: a rolling segment playlist on
	// disk, served over plain HTTP at the cost of a few seconds latency.
	VariantHLS Variant = "hls"
)

const (
	hlsSegmentSeconds = 2
	hlsWindowSegments = 5
)

// transcodeArgs builds the ffmpeg invocation for one camera. Both variants
// share the ingest and encode settings: RTSP over TCP, 1280x720 at 25 fps,
// about 1 Mbps, no B-frames, no audio.
func transcodeArgs(rtspURL string, variant Variant, hlsDir string) []string {
	args := []string{
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-an",
		"-s", "1280x720",
		"-r", "25",
		"-b:v", "1000k",
		"-bf", "0",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
	}
	switch variant {
	case VariantHLS:
		args = append(args,
			"-c:v", "libx264",
			"-f", "hls",
			"-hls_time", fmt.Sprintf("%d", hlsSegmentSeconds),
			"-hls_list_size", fmt.Sprintf("%d", hlsWindowSegments),
			"-hls_flags", "delete_segments",
			filepath.Join(hlsDir, "index.m3u8"),
		)
	default:
		args = append(args,
			"-c:v", "mpeg1video",
			"-f", "mpegts",
			"pipe:1",
		)
	}
	return args
}

// process is one running transcoder child.
type process interface {
	// Output is the child's stdout. Closed when the child exits.
	Output() io.ReadCloser
	// Terminate asks the child to exit gracefully.
	Terminate() error
	// Kill ends the child immediately.
	Kill() error
	// Wait blocks until the child has exited.
	Wait() error
}

// runner spawns transcoder children. Tests substitute a fake; production
// uses execRunner.
type runner interface {
	Start(ctx context.Context, args []string) (process, error)
}

// execRunner runs the real ffmpeg binary.
type execRunner struct {
	binary string
}

func newExecRunner(binary string) *execRunner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &execRunner{binary: binary}
}

func (r *execRunner) Start(ctx context.Context, args []string) (process, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", r.binary, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *execProcess) Output() io.ReadCloser { return p.stdout }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
