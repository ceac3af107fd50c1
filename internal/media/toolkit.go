// Package media wraps the local ffmpeg/ffprobe binaries: probing, audio
// chunking for transcription fan-outs, and clip concatenation for video
// stitching.
package media

import (
	"context"
	"math"
	"time"
)

// Chunk is one planned slice of an audio file.
type Chunk struct {
	Index    int
	Start    time.Duration
	Duration time.Duration
}

// Toolkit is the media processing surface the pipelines depend on.
type Toolkit interface {
	// ProbeDuration returns the playable length of a media file.
	ProbeDuration(ctx context.Context, path string) (time.Duration, error)
	// ExtractChunks cuts the planned slices into standalone audio files
	// under destDir and returns their paths indexed like plan.
	ExtractChunks(ctx context.Context, path, destDir string, plan []Chunk) ([]string, error)
	// Concat joins the clips in order into outPath.
	Concat(ctx context.Context, clipPaths []string, outPath string) error
}

// PlanChunks splits a file of the given size and duration into equal slices
// no larger than maxBytes each, assuming roughly constant bitrate. A file at
// or under the limit yields a single chunk covering everything.
func PlanChunks(duration time.Duration, sizeBytes, maxBytes int64) []Chunk {
	if duration <= 0 || sizeBytes <= 0 {
		return []Chunk{{Index: 0, Start: 0, Duration: duration}}
	}
	n := 1
	if maxBytes > 0 && sizeBytes > maxBytes {
		n = int(math.Ceil(float64(sizeBytes) / float64(maxBytes)))
	}
	per := duration / time.Duration(n)
	chunks := make([]Chunk, 0, n)
	for i := 0; i < n; i++ {
		start := per * time.Duration(i)
		length := per
		if i == n-1 {
			// final chunk absorbs the rounding remainder
			length = duration - start
		}
		chunks = append(chunks, Chunk{Index: i, Start: start, Duration: length})
	}
	return chunks
}
