package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultJobPrefix = "job"
	// Step Functions rejects execution names longer than 80 characters.
	maxExecutionName = 80
	// "-v" + version + "-" + unix seconds + "-" + 8 hex characters.
	uniqueSuffixLen = 2 + 19 + 1 + 10 + 1 + 8
)

// jobPrefix is the deterministic part of every execution name started for
// conversationID. Matching always includes the trailing dash so "c1" never
// claims executions that belong to "c10".
func jobPrefix(base, conversationID string) string {
	p := sanitizeName(base + "-" + conversationID)
	if limit := maxExecutionName - uniqueSuffixLen; len(p) > limit {
		p = p[:limit]
	}
	return p
}

// executionName derives a name unique per attempt: the same conversation
// scheduled twice in one second still gets distinct names, and a stopped
// execution's name is never reused. The batch version is kept in the name so
// running jobs can be compared without describing them.
func executionName(base, conversationID string, version int64, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-v%d-%d-%s", jobPrefix(base, conversationID), version, now.Unix(), suffix)
}

// executionVersion reads the version back from a name built by
// executionName. Names without one report zero.
func executionVersion(name, prefix string) int64 {
	rest, ok := strings.CutPrefix(name, prefix+"-v")
	if !ok {
		return 0
	}
	digits, _, _ := strings.Cut(rest, "-")
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// sanitizeName keeps the characters Step Functions accepts in execution
// names and that CloudWatch logging does not mangle.
func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
