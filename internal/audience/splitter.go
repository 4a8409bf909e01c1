package audience

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SplitArm is one A/B partition target: a variant label and its share of the
// audience in whole percent.
type SplitArm struct {
	Label      string
	Percentage int
}

// Split partitions an audience across variants. The partition is keyed by
// SHA-256 of (campaignID, recipientID), so re-running the split for the same
// campaign and audience yields identical assignment: recipients are ordered
// by hash and carved into contiguous slices sized by percentage. The
// rounding remainder goes to the last arm in label order.
//
// Single-variant campaigns bypass the splitter entirely; callers only invoke
// Split with two or more arms.
func Split(campaignID uuid.UUID, recipients []Recipient, arms []SplitArm) (map[string][]Recipient, error) {
	if len(arms) < 2 {
		return nil, fmt.Errorf("split requires at least two arms, got %d", len(arms))
	}

	total := 0
	for _, arm := range arms {
		if arm.Percentage <= 0 {
			return nil, fmt.Errorf("arm %q has non-positive percentage %d", arm.Label, arm.Percentage)
		}
		total += arm.Percentage
	}
	if total != 100 {
		return nil, fmt.Errorf("arm percentages sum to %d, want 100", total)
	}

	sorted := make([]Recipient, len(recipients))
	copy(sorted, recipients)
	sort.Slice(sorted, func(i, j int) bool {
		return splitKey(campaignID, sorted[i].ID) < splitKey(campaignID, sorted[j].ID)
	})

	ordered := make([]SplitArm, len(arms))
	copy(ordered, arms)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Label < ordered[j].Label })

	result := make(map[string][]Recipient, len(ordered))
	offset := 0
	for i, arm := range ordered {
		size := len(sorted) * arm.Percentage / 100
		if i == len(ordered)-1 {
			// Remainder lands on the last arm in label order.
			size = len(sorted) - offset
		}
		result[arm.Label] = sorted[offset : offset+size]
		offset += size
	}
	return result, nil
}

func splitKey(campaignID, recipientID uuid.UUID) string {
	sum := sha256.Sum256([]byte(campaignID.String() + "|" + recipientID.String()))
	return hex.EncodeToString(sum[:])
}
