package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"classpay/internal/types"
)

func TestNewReference_Shape(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	ref := NewReference(types.PurposeFee, "tenant-1", "fee-9", now)

	parts := strings.Split(ref, "_")
	assert.Len(t, parts, 5)
	assert.Equal(t, "fee", parts[0])
	assert.Equal(t, "tenant-1", parts[1])
	assert.Equal(t, "fee-9", parts[2])
	assert.Equal(t, "1773568800", parts[3])
	assert.Len(t, parts[4], 8)
}

func TestNewReference_Unique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for range 100 {
		ref := NewReference(types.PurposeSubscription, "tenant-1", "plan-1", now)
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}
