package workflows

import (
	"fmt"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// slugPattern is the grammar's compiled form: lowercase alphanumerics and
// underscores, 1-63 chars, never starting or ending with an underscore.
// This is the authoritative check for both Store backends. Postgres
// echoes it as a CHECK constraint on workflow_definitions.slug; the
// SQLite schema has no slug constraint, so the SQLite Store's
// PutWorkflowDefinition runs ValidateSlug before writing.
var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_]{0,61}[a-z0-9])?$`)

// ValidateSlug reports whether s is a well-formed workflow or step slug.
// Input is normalized to NFKC first so visually-identical Unicode slugs
// can't slip past the ASCII-only pattern in two different representations.
func ValidateSlug(s string) error {
	normalized := norm.NFKC.String(s)
	if !slugPattern.MatchString(normalized) {
		return fmt.Errorf("%w: slug %q must match %s", ErrValidation, s, slugPattern.String())
	}
	return nil
}
