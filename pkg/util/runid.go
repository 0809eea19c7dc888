package util

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewRunID returns a sortable run identifier: the UTC start time followed
// by a short random suffix, e.g. 20210301T120000-1f0c2a9b.
func NewRunID(now time.Time) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return now.UTC().Format("20060102T150405") + "-" + suffix
}
