// Package ffmpeg builds transcoder invocations, parses probe reports,
// and extracts progress markers from the transcoder's diagnostic
// stream. It never interprets media bytes itself.
package ffmpeg

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Params describes one audio extraction: target container and codec
// plus optional trim window, source stream selection and normalization.
// Values are copied into each job; a Params is never shared mutably.
type Params struct {
	OutputFormat      string  `json:"output_format"`
	Codec             string  `json:"codec,omitempty"`
	Bitrate           string  `json:"bitrate"`
	SampleRate        int     `json:"sample_rate"`
	Channels          int     `json:"channels"`
	StartTime         string  `json:"start_time,omitempty"`
	EndTime           string  `json:"end_time,omitempty"`
	StreamIndex       *int    `json:"stream_index,omitempty"`
	NormalizeLoudness bool    `json:"normalize_loudness,omitempty"`
	NormalizePeak     bool    `json:"normalize_peak,omitempty"`
	PeakTarget        float64 `json:"peak_target,omitempty"`
}

// DefaultParams returns the standard extraction profile: 192k stereo
// mp3 at 44.1kHz with no trimming or normalization.
func DefaultParams() Params {
	return Params{}.WithDefaults()
}

// WithDefaults fills unset fields with the standard extraction profile.
func (p Params) WithDefaults() Params {
	if p.OutputFormat == "" {
		p.OutputFormat = "mp3"
	}
	if p.Codec == "" {
		p.Codec = DefaultCodec(p.OutputFormat)
	}
	if p.Bitrate == "" {
		p.Bitrate = "192k"
	}
	if p.SampleRate == 0 {
		p.SampleRate = 44100
	}
	if p.Channels == 0 {
		p.Channels = 2
	}
	if p.PeakTarget == 0 {
		p.PeakTarget = -1.0
	}
	return p
}

// Validate rejects parameter combinations the transcoder would choke
// on. It does not second-guess codec or bitrate strings; the process
// exit code covers those.
func (p Params) Validate() error {
	if p.OutputFormat == "" {
		return errors.New("output format required")
	}
	if p.StartTime != "" && !ValidTimestamp(p.StartTime) {
		return fmt.Errorf("invalid start time %q", p.StartTime)
	}
	if p.EndTime != "" && !ValidTimestamp(p.EndTime) {
		return fmt.Errorf("invalid end time %q", p.EndTime)
	}
	if p.StreamIndex != nil && *p.StreamIndex < 0 {
		return fmt.Errorf("invalid stream index %d", *p.StreamIndex)
	}
	return nil
}

var codecByFormat = map[string]string{
	"mp3":  "libmp3lame",
	"wav":  "pcm_s16le",
	"m4a":  "aac",
	"flac": "flac",
	"aac":  "aac",
	"ogg":  "libvorbis",
}

// DefaultCodec returns the encoder used for an output format when the
// caller does not pick one.
func DefaultCodec(format string) string {
	if codec, ok := codecByFormat[strings.ToLower(format)]; ok {
		return codec
	}
	return "libmp3lame"
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".wmv": true,
	".flv": true, ".webm": true, ".m4v": true, ".3gp": true,
}

var audioExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".m4a": true, ".flac": true, ".aac": true,
	".ogg": true, ".wma": true,
}

// IsSupportedInput reports whether the file extension belongs to a
// container the converter accepts as a source.
func IsSupportedInput(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return videoExtensions[ext] || audioExtensions[ext]
}

var timestampRe = regexp.MustCompile(`^\d{1,2}:\d{2}:\d{2}(\.\d{1,3})?$`)

// ValidTimestamp reports whether s is an H:MM:SS or HH:MM:SS.mmm stamp.
func ValidTimestamp(s string) bool {
	return timestampRe.MatchString(s)
}

// TimestampSeconds converts an HH:MM:SS[.mmm] stamp to seconds.
func TimestampSeconds(s string) (float64, error) {
	if !ValidTimestamp(s) {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	parts := strings.SplitN(s, ":", 3)
	hours, _ := strconv.Atoi(parts[0])
	minutes, _ := strconv.Atoi(parts[1])
	seconds, _ := strconv.ParseFloat(parts[2], 64)
	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}
