package wallet

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeCredit = "credit"
	TypeDebit  = "debit"

	ReasonExpertNoShow = "expert_no_show"
	ReasonRefund       = "refund"

	RefTypeAppointment = "appointment"
	RefTypeCallSession = "call_session"
)

// refundReasons are the credit reasons that count as "already refunded".
var refundReasons = []string{ReasonExpertNoShow, ReasonRefund}

// Transaction is one ledger movement on a user's wallet. Amount is in minor units.
type Transaction struct {
	ID            uuid.UUID `json:"id"`
	UserID        string    `json:"user_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Reason        string    `json:"reason"`
	ReferenceID   string    `json:"reference_id"`
	ReferenceType string    `json:"reference_type"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
