package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classpay/internal/types"
)

// NewReference generates a payment reference of the form
// <purpose>_<tenantId>_<entityId>_<unixTimestamp>_<suffix>. The timestamp and
// random suffix keep references globally unique without a central counter;
// the ledger's unique constraint is the backstop, and on a collision the
// caller simply regenerates.
func NewReference(purpose types.PaymentPurpose, tenantID, entityID string, now time.Time) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%s_%s_%s_%d_%s", purpose, tenantID, entityID, now.Unix(), suffix)
}
