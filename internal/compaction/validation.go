package compaction

import (
	"fmt"

	verrors "github.com/velocitydb/velocity/internal/errors"
	"github.com/velocitydb/velocity/internal/segment"
)

// Validator checks a merged target before it is allowed to supersede its
// sources. A target that fails validation is discarded; the sources remain
// the authoritative copy.
type Validator struct {
	files *segment.FileManager
}

// NewValidator creates a validator reading through the file manager.
func NewValidator(files *segment.FileManager) *Validator {
	return &Validator{files: files}
}

// Validate re-opens the written target from scratch and cross-checks it
// against the merge result. Opening verifies the checksum trailer, so a
// torn or corrupted write fails here rather than after the swap.
func (v *Validator) Validate(res *Result, group *Group) error {
	r, err := segment.Open(v.files.ScratchPath(res.TargetID))
	if err != nil {
		return verrors.NewCompactionError(verrors.CodeValidationFailed,
			"reopen target "+res.TargetID.String(), err)
	}

	if r.RowCount() != res.LiveRows {
		return verrors.NewCompactionError(verrors.CodeValidationFailed,
			fmt.Sprintf("target holds %d rows, merge produced %d", r.RowCount(), res.LiveRows), nil)
	}

	// The target must hold exactly the live rows captured at merge start.
	expected := 0
	for _, src := range group.Segments {
		expected += src.RowCount - res.sourceCards[src.ID]
	}
	if r.RowCount() != expected {
		return verrors.NewCompactionError(verrors.CodeValidationFailed,
			fmt.Sprintf("target holds %d rows, sources had %d live", r.RowCount(), expected), nil)
	}

	if res.RacedDeletes(group) {
		return verrors.NewCompactionError(verrors.CodeValidationFailed,
			"deletes landed on a source during the merge", nil)
	}
	return nil
}
