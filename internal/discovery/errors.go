package discovery

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateVendor signals a (job, normalized name) collision on insert.
	ErrDuplicateVendor = errors.New("vendor already staged for job")
	// ErrRunCancelled is recorded on runs stopped through CancelRun.
	ErrRunCancelled = errors.New("run cancelled")
	// ErrRunFinished signals an attempt to finish a run that is already terminal.
	ErrRunFinished = errors.New("run already finished")
)

// stackLines caps how much of a stack trace ends up in run failure logs.
const stackLines = 12

// stackExcerpt renders err with its captured stack and keeps the first lines.
func stackExcerpt(err error) string {
	if err == nil {
		return ""
	}
	lines := strings.Split(fmt.Sprintf("%+v", err), "\n")
	out := make([]string, 0, stackLines)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
		if len(out) == stackLines {
			break
		}
	}
	return strings.Join(out, "\n")
}
