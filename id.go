package workflows

import (
	"crypto/md5" //nolint:gosec // used as a content-addressed key, not for security
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
)

// NewRunID generates a globally unique, time-sortable run identifier
// (UUIDv7, RFC 9562) — the ordering preference noted in spec §3.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// IdempotencyKey computes the 32-hex-char lowercase MD5 digest of
// workflow_slug || "::" || step_slug || "::" || run_id || "::" || task_index,
// the globally-unique key that makes task completion safe under
// at-least-once delivery and duplicate claims.
func IdempotencyKey(workflowSlug, stepSlug, runID string, taskIndex int) string {
	h := md5.New() //nolint:gosec
	h.Write([]byte(workflowSlug))
	h.Write([]byte("::"))
	h.Write([]byte(stepSlug))
	h.Write([]byte("::"))
	h.Write([]byte(runID))
	h.Write([]byte("::"))
	h.Write([]byte(strconv.Itoa(taskIndex)))
	return hex.EncodeToString(h.Sum(nil))
}
