package billing

import (
	"time"

	"github.com/google/uuid"
)

// User is the application-owned identity plus token wallet.
// UserType mirrors the active plan tier and must stay derived from the
// subscription row; the reconcile package is the only writer.
type User struct {
	ID          uuid.UUID
	Email       string
	UserType    PlanID
	Credits     int64 // available balance
	CreditsUsed int64 // lifetime consumption counter
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
