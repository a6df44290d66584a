package common

import (
	"math/rand"
	"os"
	"time"

	"github.com/pkg/errors"
)

// writeRetryCount and writeRetryBackoffs define the log-writing retry
// policy: a handful of fixed backoffs, then random backoffs within a
// range, up to a retry cap.
const writeRetryCount = 30

var writeRetryBackoffs = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	600 * time.Millisecond,
	700 * time.Millisecond,
}

const (
	writeRetryRandMin = 100 * time.Millisecond
	writeRetryRandMax = 5 * time.Second
)

// WriteLinesRetrying opens filename (truncating unless append is true)
// and writes lines, retrying on open failure with the backoff sequence
// above. It gives up after writeRetryCount attempts and returns the
// last error encountered.
func WriteLinesRetrying(filename string, lines []string, append bool) error {
	flags := os.O_WRONLY | os.O_CREATE
	if append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	var lastErr error
	for attempt := 0; attempt < writeRetryCount; attempt++ {
		f, err := os.OpenFile(filename, flags, 0o644)
		if err == nil {
			defer f.Close()
			for _, line := range lines {
				if _, err := f.WriteString(line + "\n"); err != nil {
					return errors.Wrapf(err, "writing to %q", filename)
				}
			}
			return nil
		}
		lastErr = err

		var backoff time.Duration
		if attempt < len(writeRetryBackoffs) {
			backoff = writeRetryBackoffs[attempt]
		} else {
			backoff = writeRetryRandMin + time.Duration(rand.Int63n(int64(writeRetryRandMax-writeRetryRandMin)))
		}
		Log.Warnf("retrying write to %q after error: %v", filename, err)
		time.Sleep(backoff)
	}

	return errors.Wrapf(lastErr, "writing to %q after %d attempts", filename, writeRetryCount)
}
