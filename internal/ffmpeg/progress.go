package ffmpeg

import (
	"regexp"
	"strconv"
)

var timeMarkerRe = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.?\d*)`)

// Monitor extracts "time=HH:MM:SS.ff" position markers from the
// transcoder's diagnostic stream and reports progress as a fraction of
// the total duration, clamped to [0,1]. A zero or unknown total
// suppresses reporting entirely; lines without a marker are ignored.
type Monitor struct {
	total float64
	sink  func(fraction float64)
}

// NewMonitor builds a monitor for one execution. sink may be nil when
// nobody listens.
func NewMonitor(totalDuration float64, sink func(float64)) *Monitor {
	return &Monitor{total: totalDuration, sink: sink}
}

// Observe scans one diagnostic line. A parse miss is not an error.
func (m *Monitor) Observe(line string) {
	if m.sink == nil || m.total <= 0 {
		return
	}
	match := timeMarkerRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	hours, _ := strconv.Atoi(match[1])
	minutes, _ := strconv.Atoi(match[2])
	seconds, err := strconv.ParseFloat(match[3], 64)
	if err != nil {
		return
	}
	elapsed := float64(hours)*3600 + float64(minutes)*60 + seconds
	fraction := elapsed / m.total
	if fraction > 1 {
		fraction = 1
	}
	m.sink(fraction)
}
