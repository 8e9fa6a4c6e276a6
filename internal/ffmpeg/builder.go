package ffmpeg

import (
	"fmt"
	"strconv"
)

// BuildArgs constructs the argument vector for one extraction. The
// binary path itself is not included; the executor prepends it.
//
// The generated command always maps exactly one audio stream, carries
// the source's container metadata over, and overwrites the output
// without prompting (collision handling happens before admission, not
// here).
func BuildArgs(inputPath, outputPath string, p Params) []string {
	args := make([]string, 0, 24)
	args = append(args, "-y", "-i", inputPath)

	// Trim window.
	if p.StartTime != "" {
		args = append(args, "-ss", p.StartTime)
	}
	if p.EndTime != "" {
		args = append(args, "-to", p.EndTime)
	}

	// Source stream selection, first audio stream by default.
	if p.StreamIndex != nil {
		args = append(args, "-map", fmt.Sprintf("0:a:%d", *p.StreamIndex))
	} else {
		args = append(args, "-map", "0:a:0")
	}

	codec := p.Codec
	if codec == "" {
		codec = DefaultCodec(p.OutputFormat)
	}
	args = append(args, "-c:a", codec)

	// libmp3lame gets the highest-quality VBR setting on top of the
	// requested bitrate ceiling.
	if codec == "libmp3lame" {
		args = append(args, "-q:a", "0")
	}
	args = append(args,
		"-b:a", p.Bitrate,
		"-ar", strconv.Itoa(p.SampleRate),
		"-ac", strconv.Itoa(p.Channels),
	)

	if filter := audioFilter(p); filter != "" {
		args = append(args, "-af", filter)
	}

	args = append(args, "-map_metadata", "0")
	args = append(args, outputPath)
	return args
}

// audioFilter returns the -af chain for the normalization settings.
// Loudness normalization wins when both flags are set; no filter is
// applied by default so the original volume survives.
func audioFilter(p Params) string {
	switch {
	case p.NormalizeLoudness:
		return "loudnorm=I=-18:LRA=7:TP=-2"
	case p.NormalizePeak:
		return fmt.Sprintf("volume=%gdB", p.PeakTarget)
	}
	return ""
}
