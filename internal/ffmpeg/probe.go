package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// MediaInfo is the subset of a probe report the engine cares about:
// total duration for progress denominators, stream descriptors for
// source selection, and container tags for metadata carry-over.
type MediaInfo struct {
	Duration float64           `json:"duration"`
	Format   FormatInfo        `json:"format"`
	Streams  []StreamInfo      `json:"streams"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// FormatInfo describes the container.
type FormatInfo struct {
	Filename   string  `json:"filename"`
	FormatName string  `json:"format_name"`
	Duration   float64 `json:"duration"`
	Size       int64   `json:"size"`
	BitRate    int64   `json:"bit_rate"`
}

// StreamInfo describes one stream inside the container.
type StreamInfo struct {
	Index         int    `json:"index"`
	CodecName     string `json:"codec_name"`
	CodecType     string `json:"codec_type"`
	Channels      int    `json:"channels,omitempty"`
	ChannelLayout string `json:"channel_layout,omitempty"`
	SampleRate    int    `json:"sample_rate,omitempty"`
	BitRate       int64  `json:"bit_rate,omitempty"`
	Language      string `json:"language,omitempty"`
	Title         string `json:"title,omitempty"`
}

// AudioStreams filters the report down to audio streams.
func (m *MediaInfo) AudioStreams() []StreamInfo {
	out := make([]StreamInfo, 0, len(m.Streams))
	for _, s := range m.Streams {
		if s.CodecType == "audio" {
			out = append(out, s)
		}
	}
	return out
}

var audioTagKeys = map[string]string{
	"title":       "title",
	"artist":      "artist",
	"album":       "album",
	"date":        "date",
	"genre":       "genre",
	"track":       "track",
	"albumartist": "album_artist",
	"composer":    "composer",
	"comment":     "comment",
}

// AudioTags extracts the container tags worth copying onto an audio
// file, with keys renamed to their audio-container spellings.
func (m *MediaInfo) AudioTags() map[string]string {
	out := make(map[string]string)
	for key, value := range m.Tags {
		if mapped, ok := audioTagKeys[strings.ToLower(key)]; ok {
			out[mapped] = value
		}
	}
	return out
}

// Probe runs the inspection binary at probePath against path and
// parses its JSON report.
func Probe(ctx context.Context, probePath, path string) (*MediaInfo, error) {
	cmd := exec.CommandContext(ctx, probePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %q: %w", path, err)
	}

	return ParseProbeJSON(out)
}

// ParseProbeJSON converts raw ffprobe JSON output into a MediaInfo.
// Exported for testing without a real ffprobe binary.
func ParseProbeJSON(data []byte) (*MediaInfo, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse ffprobe JSON: %w", err)
	}
	return buildMediaInfo(&raw), nil
}

// --- ffprobe JSON wire types (numbers arrive as strings) ---

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

type probeFormat struct {
	Filename   string            `json:"filename"`
	FormatName string            `json:"format_name"`
	Duration   string            `json:"duration"`
	Size       string            `json:"size"`
	BitRate    string            `json:"bit_rate"`
	Tags       map[string]string `json:"tags"`
}

type probeStream struct {
	Index         int               `json:"index"`
	CodecName     string            `json:"codec_name"`
	CodecType     string            `json:"codec_type"`
	Channels      int               `json:"channels"`
	ChannelLayout string            `json:"channel_layout"`
	SampleRate    string            `json:"sample_rate"`
	BitRate       string            `json:"bit_rate"`
	Tags          map[string]string `json:"tags"`
}

func buildMediaInfo(raw *probeOutput) *MediaInfo {
	info := &MediaInfo{
		Duration: parseFloat(raw.Format.Duration),
		Format: FormatInfo{
			Filename:   raw.Format.Filename,
			FormatName: raw.Format.FormatName,
			Duration:   parseFloat(raw.Format.Duration),
			Size:       parseInt64(raw.Format.Size),
			BitRate:    parseInt64(raw.Format.BitRate),
		},
		Tags: raw.Format.Tags,
	}

	for i := range raw.Streams {
		s := &raw.Streams[i]
		info.Streams = append(info.Streams, StreamInfo{
			Index:         s.Index,
			CodecName:     s.CodecName,
			CodecType:     s.CodecType,
			Channels:      s.Channels,
			ChannelLayout: s.ChannelLayout,
			SampleRate:    parseInt(s.SampleRate),
			BitRate:       parseInt64(s.BitRate),
			Language:      s.Tags["language"],
			Title:         s.Tags["title"],
		})
	}
	return info
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
