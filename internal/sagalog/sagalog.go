// Package sagalog is the durable record of every saga run. One entry per
// transaction id, updated in place at each transition.
package sagalog

import (
	"time"
)

// State is a saga log state.
type State string

const (
	StateStarted      State = "STARTED"
	StateCommitted    State = "COMMITTED"
	StateCompensating State = "COMPENSATING"
	StateCompensated  State = "COMPENSATED"
	StateFailed       State = "FAILED"
)

// Terminal reports whether no further transition is expected.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateCompensated, StateFailed:
		return true
	}
	return false
}

// Context is the payload carried by an entry. Fields fill in as the saga
// learns them.
type Context struct {
	CustomerID        string `json:"customerId"`
	SKU               string `json:"sku"`
	Quantity          int64  `json:"quantity"`
	OrderID           *int64 `json:"orderId,omitempty"`
	Error             string `json:"error,omitempty"`
	CompensationError string `json:"compensationError,omitempty"`
	LogWriteError     string `json:"logWriteError,omitempty"`
}

// Entry is one saga log record.
type Entry struct {
	TxID      string    `json:"txId"`
	State     State     `json:"state"`
	Context   Context   `json:"context"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Filter narrows Query. Zero values mean no restriction.
type Filter struct {
	States        []State
	UpdatedBefore time.Time
	Limit         int
}

func (f Filter) match(e *Entry) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if e.State == s {
			return true
		}
	}
	return false
}
