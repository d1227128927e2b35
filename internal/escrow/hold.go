package escrow

import (
	"errors"
	"time"

	"github.com/rickgao/exchange-core/internal/model"
)

// Status is a hold's position in its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusHeld      Status = "held"
	StatusReleasing Status = "releasing"
	StatusRefunding Status = "refunding"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusForfeited Status = "forfeited"
	StatusVoid      Status = "void"
)

// Open reports whether value may still be in the vault.
func (s Status) Open() bool {
	switch s {
	case StatusPending, StatusHeld, StatusReleasing, StatusRefunding:
		return true
	}
	return false
}

var (
	ErrHoldNotFound = errors.New("hold not found")
	ErrHoldExists   = errors.New("hold already exists")
	ErrHoldState    = errors.New("hold in wrong state")
	ErrStatusRace   = errors.New("hold status changed concurrently")
)

// Spec describes a hold to create.
type Spec struct {
	RecordID  string
	Leg       string
	AccountID string
	Money     int64
	Items     model.Items
}

// Hold is a persisted vault entry.
type Hold struct {
	RecordID    string      `json:"record_id"`
	Leg         string      `json:"leg"`
	AccountID   string      `json:"account_id"`
	Money       int64       `json:"money"`
	Items       model.Items `json:"items,omitempty"`
	Status      Status      `json:"status"`
	Destination string      `json:"destination,omitempty"`
	Fee         int64       `json:"fee,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Offer returns the held value.
func (h Hold) Offer() model.Offer {
	return model.Offer{Money: h.Money, Items: h.Items}
}

func (h Hold) ref() string {
	return h.RecordID + "/" + h.Leg
}

// HoldKey is the ledger idempotency key of the debit that funds a hold.
func HoldKey(recordID, leg string) string {
	return "hold:" + recordID + "/" + leg
}

func releaseKey(h Hold) string { return "release:" + h.ref() }
func refundKey(h Hold) string  { return "refund:" + h.ref() }
