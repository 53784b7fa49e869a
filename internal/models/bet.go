package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type BetStatus string

const (
	BetStatusPaymentPending  BetStatus = "payment_pending"
	BetStatusPaymentVerified BetStatus = "payment_verified"
	BetStatusOutcomeResolved BetStatus = "outcome_resolved"
	BetStatusSettled         BetStatus = "settled"
	BetStatusFailed          BetStatus = "failed"
)

func (s BetStatus) IsTerminal() bool {
	return s == BetStatusSettled || s == BetStatusFailed
}

// CanTransition reports whether the settlement state machine allows from -> to.
func (s BetStatus) CanTransition(to BetStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == BetStatusFailed {
		return true
	}

	switch s {
	case BetStatusPaymentPending:
		return to == BetStatusPaymentVerified
	case BetStatusPaymentVerified:
		return to == BetStatusOutcomeResolved
	case BetStatusOutcomeResolved:
		return to == BetStatusSettled
	}
	return false
}

// Bet is the append-only audit record of a monetised round. PaymentID is the idempotency key.
type Bet struct {
	PaymentID     string          `json:"payment_id" redis:"payment_id"`
	TxID          string          `json:"txid" redis:"txid"`
	User          string          `json:"user" redis:"user"`
	BetAmount     decimal.Decimal `json:"bet_amount" redis:"bet_amount"`
	ClientSeed    string          `json:"client_seed" redis:"client_seed"`
	Status        BetStatus       `json:"status" redis:"status"`
	FailureReason string          `json:"failure_reason,omitempty" redis:"failure_reason"`

	RoundID    string          `json:"round_id,omitempty" redis:"round_id"`
	SeedID     string          `json:"seed_id,omitempty" redis:"seed_id"`
	Nonce      int64           `json:"nonce" redis:"nonce"`
	ResultBin  int             `json:"result_bin" redis:"result_bin"`
	Multiplier decimal.Decimal `json:"multiplier" redis:"multiplier"`
	Winnings   decimal.Decimal `json:"winnings" redis:"winnings"`

	CreatedAt time.Time  `json:"created_at" redis:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" redis:"updated_at"`
	SettledAt *time.Time `json:"settled_at,omitempty" redis:"settled_at"`
}

// PaymentNotification is the webhook body delivered by the payment collaborator.
type PaymentNotification struct {
	PaymentID  string          `json:"paymentId" binding:"required"`
	TxID       string          `json:"txid" binding:"required"`
	User       string          `json:"user" binding:"required"`
	BetAmount  decimal.Decimal `json:"betAmount"`
	ClientSeed string          `json:"clientSeed"`
}

type PaymentState string

const (
	PaymentStateVerified PaymentState = "verified"
	PaymentStatePending  PaymentState = "pending"
	PaymentStateFailed   PaymentState = "failed"
)

// PaymentVerification is the provider's answer to "has this payment cleared".
type PaymentVerification struct {
	PaymentID string          `json:"payment_id"`
	State     PaymentState    `json:"state"`
	Amount    decimal.Decimal `json:"amount"`
	User      string          `json:"user"`
	TxID      string          `json:"txid"`
	Completed bool            `json:"completed"`
	Reason    string          `json:"reason,omitempty"`
}

// SettlementEvent is published for reconciliation once a bet reaches a terminal state.
type SettlementEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	PaymentID  string          `json:"payment_id"`
	User       string          `json:"user"`
	Status     BetStatus       `json:"status"`
	BetAmount  decimal.Decimal `json:"bet_amount"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Winnings   decimal.Decimal `json:"winnings"`
	RoundID    string          `json:"round_id,omitempty"`
	SeedID     string          `json:"seed_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}
