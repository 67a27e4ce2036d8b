// Package ids generates the identifiers used across the orchestrator.
package ids

import (
	"crypto/rand"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// TaskIDPrefix is the fixed prefix for task identifiers.
const TaskIDPrefix = "tsk_"

var taskIDPattern = regexp.MustCompile(`^tsk_[0-9A-HJKMNP-TV-Z]{26}$`)

// NewTaskID generates a task identifier: "tsk_" plus a 26-character
// uppercase Crockford base32 ULID body.
func NewTaskID() string {
	return TaskIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// IsTaskID reports whether s is a well-formed task identifier.
func IsTaskID(s string) bool {
	return taskIDPattern.MatchString(s)
}

// NewJobID generates an opaque 16-hex job identifier.
func NewJobID() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:8])
}

// NewWorkerID generates a worker identity with a stable prefix, unique per
// process start and sortable by start time.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), ksuid.New().String())
}

// NewRequestID generates a control-signal request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// NewRunID generates a UTC-timestamp run identifier unless override is set.
func NewRunID(override string) string {
	if override != "" {
		return override
	}
	return time.Now().UTC().Format("20060102T150405.000000000Z")
}

// Slug converts free text to a filesystem-safe project slug.
func Slug(text string, maxLen int) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if maxLen > 0 && b.Len() >= maxLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
