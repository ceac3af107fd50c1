package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// extractParallelism bounds concurrent ffmpeg processes during a chunk
// fan-out so a long upload cannot exhaust the host.
const extractParallelism = 4

type FFmpeg struct {
	ffmpegBin  string
	ffprobeBin string
	log        *zap.Logger
}

type Params struct {
	fx.In

	Log *zap.Logger
}

func NewFFmpeg(p Params) Toolkit {
	return &FFmpeg{
		ffmpegBin:  "ffmpeg",
		ffprobeBin: "ffprobe",
		log:        p.Log.Named("media.ffmpeg"),
	}
}

var Module = fx.Module("media.toolkit",
	fx.Provide(NewFFmpeg),
)

func (f *FFmpeg) ProbeDuration(ctx context.Context, path string) (time.Duration, error) {
	out, err := exec.CommandContext(ctx, f.ffprobeBin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func (f *FFmpeg) ExtractChunks(ctx context.Context, path, destDir string, plan []Chunk) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	paths := make([]string, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(extractParallelism)
	for _, chunk := range plan {
		g.Go(func() error {
			out := filepath.Join(destDir, fmt.Sprintf("chunk_%03d.wav", chunk.Index))
			cmd := exec.CommandContext(gctx, f.ffmpegBin,
				"-y",
				"-i", path,
				"-ss", formatSeconds(chunk.Start),
				"-t", formatSeconds(chunk.Duration),
				"-ac", "1",
				"-ar", "16000",
				out,
			)
			if raw, err := cmd.CombinedOutput(); err != nil {
				return fmt.Errorf("ffmpeg chunk %d: %w: %s", chunk.Index, err, tail(raw))
			}
			paths[chunk.Index] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (f *FFmpeg) Concat(ctx context.Context, clipPaths []string, outPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("media: nothing to concatenate")
	}

	list, err := os.CreateTemp(filepath.Dir(outPath), "concat_*.txt")
	if err != nil {
		return err
	}
	defer os.Remove(list.Name())
	for _, clip := range clipPaths {
		abs, err := filepath.Abs(clip)
		if err != nil {
			return err
		}
		// concat demuxer single-quote escaping
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		if _, err := fmt.Fprintf(list, "file '%s'\n", escaped); err != nil {
			return err
		}
	}
	if err := list.Close(); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, f.ffmpegBin,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list.Name(),
		"-c", "copy",
		outPath,
	)
	if raw, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg concat: %w: %s", err, tail(raw))
	}
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func tail(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 400 {
		s = s[len(s)-400:]
	}
	return s
}
