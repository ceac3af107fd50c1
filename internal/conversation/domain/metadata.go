package domain

import "encoding/json"

// Metadata kinds.
const (
	MetadataKindVideo         = "video"
	MetadataKindTranscription = "transcription"
)

// JobMetadata is the tagged progress state stored on a message. Exactly one
// of the kind-specific fields is set, matching Kind.
type JobMetadata struct {
	Kind          string                 `json:"kind"`
	Video         *VideoProgress         `json:"video,omitempty"`
	Transcription *TranscriptionProgress `json:"transcription,omitempty"`
}

// VideoProgress tracks a fan-out of scene clip generations. ClipFiles is
// indexed by scene; a nil entry is a scene whose generation failed for good.
// Completed counts every finished attempt, success or not, so the last
// worker to finish can tell it is last. Done marks scenes already recorded,
// keeping redelivered tasks from counting a slot twice.
type VideoProgress struct {
	Scenes    []string  `json:"scenes"`
	ClipFiles []*string `json:"clip_files"`
	Done      []bool    `json:"done"`
	Completed int       `json:"completed"`
	Total     int       `json:"total"`
	QuotaHits int       `json:"quota_hits,omitempty"`
}

// Usable returns the clip paths that exist, in scene order.
func (v *VideoProgress) Usable() []string {
	out := make([]string, 0, len(v.ClipFiles))
	for _, f := range v.ClipFiles {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out
}

// TranscriptionProgress tracks a fan-out of audio chunk transcriptions.
// Transcripts is indexed by chunk so the join can concatenate in order
// regardless of completion order. Done marks chunks already recorded.
type TranscriptionProgress struct {
	Transcripts []string `json:"transcripts"`
	Done        []bool   `json:"done"`
	Completed   int      `json:"completed"`
	Total       int      `json:"total"`
}

// NewVideoMetadata seeds the progress record for a scene fan-out.
func NewVideoMetadata(scenes []string) JobMetadata {
	return JobMetadata{
		Kind: MetadataKindVideo,
		Video: &VideoProgress{
			Scenes:    scenes,
			ClipFiles: make([]*string, len(scenes)),
			Done:      make([]bool, len(scenes)),
			Total:     len(scenes),
		},
	}
}

// NewTranscriptionMetadata seeds the progress record for a chunk fan-out.
func NewTranscriptionMetadata(total int) JobMetadata {
	return JobMetadata{
		Kind: MetadataKindTranscription,
		Transcription: &TranscriptionProgress{
			Transcripts: make([]string, total),
			Done:        make([]bool, total),
			Total:       total,
		},
	}
}

func (m JobMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMetadata(raw []byte) (JobMetadata, error) {
	var m JobMetadata
	if len(raw) == 0 {
		return m, nil
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}
