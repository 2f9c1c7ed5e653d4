package domain

import (
	"context"
	"time"
)

type EventType string

const (
	EventDetected  EventType = "detected"
	EventConfirmed EventType = "confirmed"
	EventHeld      EventType = "held"
	EventSwept     EventType = "swept"
	EventSettled   EventType = "settled"
)

// DepositEvent 状态迁移完成后对外广播，at-most-once
type DepositEvent struct {
	Type           EventType `json:"type"`
	ChainID        string    `json:"chain_id"`
	TxHash         string    `json:"tx_hash"`
	DepositAddr    string    `json:"deposit_addr,omitempty"`
	TokenAddress   string    `json:"token_address,omitempty"`
	AmountRaw      string    `json:"amount_raw,omitempty"`
	SettlementHash string    `json:"settlement_hash,omitempty"`
	HoldReason     string    `json:"hold_reason,omitempty"`
	At             time.Time `json:"at"`
}

func NewDepositEvent(t EventType, d *Deposit) DepositEvent {
	ev := DepositEvent{
		Type:         t,
		ChainID:      d.ChainID,
		TxHash:       d.TxHash,
		DepositAddr:  d.DepositAddr,
		TokenAddress: d.TokenAddress,
		AmountRaw:    d.AmountRaw,
		HoldReason:   string(d.HoldReason),
		At:           time.Now().UTC(),
	}
	if d.SettlementHash != nil {
		ev.SettlementHash = *d.SettlementHash
	}
	return ev
}

type EventPublisher interface {
	PublishDeposit(ctx context.Context, ev DepositEvent) error
}
