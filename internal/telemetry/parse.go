package telemetry

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
)

// maxLineSize bounds a single worker output line. A longer line is cut and
// its remainder dropped.
const maxLineSize = 1024 * 1024

// Record is either a ProgressUpdate or a LogLine.
type Record interface {
	isRecord()
}

// ProgressUpdate is a parsed "PROGRESS <current> <total>" line. Total is
// always > 0.
type ProgressUpdate struct {
	Current int
	Total   int
}

func (ProgressUpdate) isRecord() {}

// Percent returns round(100*current/total) clamped into [0,100].
func (p ProgressUpdate) Percent() int {
	if p.Total <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(p.Current) / float64(p.Total)))
	return min(max(pct, 0), 100)
}

// LogLine is a trimmed output line that is not a progress update.
type LogLine string

func (LogLine) isRecord() {}

// ParseLine classifies one line of worker output. It returns false for lines
// that are empty after trimming.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	if p, ok := parseProgress(line); ok {
		return p, true
	}
	return LogLine(line), true
}

func parseProgress(line string) (ProgressUpdate, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "PROGRESS" {
		return ProgressUpdate{}, false
	}
	current, err := strconv.Atoi(fields[1])
	if err != nil || current < 0 {
		return ProgressUpdate{}, false
	}
	total, err := strconv.Atoi(fields[2])
	if err != nil || total <= 0 {
		return ProgressUpdate{}, false
	}
	return ProgressUpdate{Current: current, Total: total}, true
}

// IsMalformedProgress reports whether line looks like a progress update but
// failed validation, e.g. "PROGRESS x 10" or "PROGRESS 1 0".
func IsMalformedProgress(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "PROGRESS") {
		return false
	}
	_, ok := parseProgress(line)
	return !ok
}

// Classify splits chunk on "\n" or "\r\n" and classifies every non-empty
// line. It never fails.
func Classify(chunk []byte) []Record {
	var out []Record
	for line := range bytes.Lines(chunk) {
		if r, ok := ParseLine(string(line)); ok {
			out = append(out, r)
		}
	}
	return out
}

// Scan reads r line by line until EOF and calls fn for every raw line in
// order. Lines split across reads are reassembled. The "\r" of a "\r\n"
// terminator is removed. A line longer than maxLineSize is passed cut to
// maxLineSize and scanning goes on with the next line. Only a read error of
// r is returned.
func Scan(r io.Reader, fn func(line string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line []byte
		cut  bool
	)
	for {
		chunk, more, err := br.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !cut {
			if room := maxLineSize - len(line); len(chunk) > room {
				chunk, cut = chunk[:room], true
			}
			line = append(line, chunk...)
		}
		if more {
			continue
		}
		fn(string(line))
		line, cut = line[:0], false
	}
}
