package evaluator

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/OrlandoBitencourt/pennant/internal/domain"
)

// RolloutMetadataKey names the metadata entry holding the rollout
// percentage, written as "25" or "25%".
const RolloutMetadataKey = "rollout"

// Bucket maps a user id to a stable value in [0, 100) using 32-bit FNV-1a.
// The result depends only on the bytes of userID.
func Bucket(userID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return int(h.Sum32() % 100)
}

// ParsePercentage reads a rollout value such as "25" or "25%".
func ParsePercentage(raw string) (int, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSpace(strings.TrimSuffix(s, "%"))

	pct, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid rollout percentage %q: %w", raw, err)
	}
	if pct < 0 || pct > 100 {
		return 0, fmt.Errorf("rollout percentage %d out of range [0, 100]", pct)
	}
	return pct, nil
}

// PercentageRollout gradually enables a flag for the share of users whose
// bucket falls below the record's rollout percentage.
//
// Disabled records and records without rollout metadata pass through. A
// context without a user id is disabled.
type PercentageRollout struct{}

func NewPercentageRollout() *PercentageRollout {
	return &PercentageRollout{}
}

func (r *PercentageRollout) Evaluate(record domain.FlagRecord, ctx domain.Context) (domain.FlagRecord, error) {
	if !record.Enabled() {
		return record, nil
	}

	raw, ok := record.MetadataValue(RolloutMetadataKey)
	if !ok {
		return record, nil
	}

	pct, err := ParsePercentage(raw)
	if err != nil {
		return domain.FlagRecord{}, domain.NewEvaluatorError(record.Key(), err)
	}

	if ctx.UserID == "" {
		return record.WithEnabled(false), nil
	}

	return record.WithEnabled(Bucket(ctx.UserID) < pct), nil
}
