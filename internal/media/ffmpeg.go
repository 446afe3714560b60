package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrNoDuration = errors.New("media has no readable duration")

// Error is returned when ffmpeg or ffprobe exits unsuccessfully.
type Error struct {
	Bin    string
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}

	tail := strings.Join(lines, "\n")
	if tail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Bin, e.Err, tail)
	}
	return fmt.Sprintf("%s: %v", e.Bin, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FFmpeg implements Transformer and Prober by shelling out.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
}

func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{FFmpegPath: ffmpegPath, FFprobePath: ffprobePath}
}

func (f *FFmpeg) Transform(ctx context.Context, req Request) error {
	args := BuildArgs(req)

	start := time.Now()
	if _, err := run(ctx, f.FFmpegPath, args); err != nil {
		return err
	}

	slog.Debug("clip composed", "index", req.Params.Index, "output", req.OutputPath, "elapsed", time.Since(start))
	return nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (f *FFmpeg) Duration(ctx context.Context, path string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	}

	out, err := run(ctx, f.FFprobePath, args)
	if err != nil {
		return 0, err
	}

	return parseProbeDuration(out)
}

func parseProbeDuration(raw []byte) (time.Duration, error) {
	var output probeOutput
	if err := json.Unmarshal(raw, &output); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	if output.Format.Duration == "" || output.Format.Duration == "N/A" {
		return 0, ErrNoDuration
	}

	seconds, err := strconv.ParseFloat(output.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", output.Format.Duration, err)
	}
	if seconds <= 0 {
		return 0, ErrNoDuration
	}

	return time.Duration(seconds * float64(time.Second)), nil
}

// BuildArgs returns the ffmpeg argument list for one composed clip.
func BuildArgs(req Request) []string {
	p := req.Params
	factor := p.ColorFactor
	if factor <= 0 {
		factor = DefaultColorFactor
	}

	args := []string{"-hide_banner", "-y"}
	args = append(args, "-ss", seconds(p.PrimaryStart), "-t", seconds(p.Duration), "-i", req.PrimaryPath)
	args = append(args, "-ss", seconds(p.SecondaryStart), "-t", seconds(p.Duration), "-i", req.SecondaryPath)
	args = append(args,
		"-filter_complex", filterGraph(factor),
		"-map", "[v]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-preset", "medium",
		"-b:v", "5000k",
		"-r", "30",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-threads", "4",
	)

	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-metadata", k+"="+p.Metadata[k])
	}

	return append(args, req.OutputPath)
}

// filterGraph stacks the cropped primary over the muted secondary and applies
// a uniform colour gain.
func filterGraph(factor float64) string {
	top, bottom := PrimaryHeight(), SecondaryHeight()
	gain := strconv.FormatFloat(factor, 'f', -1, 64)

	return fmt.Sprintf(
		"[0:v]crop=iw:min(ih\\,%[2]d):0:0,scale=%[1]d:%[2]d,setsar=1[top];"+
			"[1:v]scale=%[1]d:%[3]d,setsar=1[bottom];"+
			"[top][bottom]vstack=inputs=2,colorchannelmixer=rr=%[4]s:gg=%[4]s:bb=%[4]s[v]",
		FrameWidth, top, bottom, gain,
	)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func run(ctx context.Context, bin string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &Error{Bin: bin, Args: args, Stderr: stderr.String(), Err: err}
	}

	return stdout.Bytes(), nil
}
