package model

import "time"

type (
	ReceiptStatus string

	// Receipt tracks the outcome of a send that outlived its request. It is
	// stored under the code fingerprint and never holds the code.
	Receipt struct {
		Status    ReceiptStatus `json:"status"`
		Error     string        `json:"error,omitempty"`
		Length    *int          `json:"length,omitempty"`
		Checksum  *string       `json:"checksum,omitempty"`
		UpdatedAt time.Time     `json:"updated_at"`
	}
)

const (
	ReceiptPending ReceiptStatus = "pending"
	ReceiptSent    ReceiptStatus = "sent"
	ReceiptFailed  ReceiptStatus = "failed"
)
