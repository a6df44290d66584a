// Package statuslog implements the retry-tolerant readers for a
// workflow's status.json, messages.txt, and errors.txt: a writer (the
// executor) and a reader (the HTTP API, a CLI, a polling client) race
// against each other with no lock, so reads are expected to occasionally
// observe a half-written file and must retry rather than error out.
package statuslog

import (
	"encoding/json"
	"os"
	"time"

	"github.com/cyverse-de/workflow-engine/common"
)

var log = common.Log

// statusBackoffs is the status poll schedule: 100 / 200 / 400 / 700 ms.
var statusBackoffs = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	700 * time.Millisecond,
}

// logBackoffs is the log poll schedule: 100 / 200 / 100 / 200 / 400 ms.
var logBackoffs = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
}

// Status is the decoded form of status.json's single top-level key.
// Exactly one of Starting, Running, or Completion is non-nil.
type Status struct {
	Starting   map[string]any `json:"starting,omitempty"`
	Running    map[string]any `json:"running,omitempty"`
	Completion map[string]any `json:"completion,omitempty"`
}

// Terminal reports whether s represents a finished workflow (success or
// error), i.e. its outer key is "completion".
func (s Status) Terminal() bool {
	return s.Completion != nil
}

// PendingStatus is returned by ReadStatus when every retry attempt fails
// to produce a parseable status.json, masking a writer-in-flight race as
// a generic "still working" response rather than surfacing an error.
var PendingStatus = Status{Running: map[string]any{"message": "Pending..."}}

// ReadStatus reads and parses path, retrying up to len(statusBackoffs)+1
// times with the configured back-off schedule whenever the file is
// missing or contains a partial write. A successful parse short-circuits
// immediately.
func ReadStatus(path string) Status {
	for attempt := 0; ; attempt++ {
		raw, err := os.ReadFile(path)
		if err == nil {
			var s Status
			if jsonErr := json.Unmarshal(raw, &s); jsonErr == nil {
				return s
			}
			log.Debugf("status read attempt %d: unparseable status.json, retrying", attempt)
		} else {
			log.Debugf("status read attempt %d: %v", attempt, err)
		}

		if attempt >= len(statusBackoffs) {
			break
		}
		time.Sleep(statusBackoffs[attempt])
	}
	return PendingStatus
}

// ReadLines reads path and splits it into non-empty lines, retrying on a
// transient read error with the log back-off schedule. A missing file
// yields an empty, non-nil slice rather than an error: the presence of
// the file is authoritative for "there is output".
func ReadLines(path string) []string {
	for attempt := 0; ; attempt++ {
		raw, err := os.ReadFile(path)
		if err == nil {
			return splitNonEmpty(string(raw))
		}
		if os.IsNotExist(err) {
			return []string{}
		}

		log.Debugf("log read attempt %d for %q: %v", attempt, path, err)
		if attempt >= len(logBackoffs) {
			break
		}
		time.Sleep(logBackoffs[attempt])
	}
	return []string{}
}

func splitNonEmpty(s string) []string {
	lines := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if line := s[start:i]; line != "" {
				lines = append(lines, trimCR(line))
			}
			start = i + 1
		}
	}
	if start < len(s) {
		if line := s[start:]; line != "" {
			lines = append(lines, trimCR(line))
		}
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

// WriteStatus atomically replaces path's contents with s's JSON encoding:
// write to a temp sibling file, then rename over the target, so a
// concurrent reader never observes a half-written status.json.
func WriteStatus(path string, s Status) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
