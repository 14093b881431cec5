package store

import (
	"github.com/gianick/domain-topology/internal/protocol"
)

// EncodeStored converts a store entry to its wire form.
func EncodeStored(e StoredTransaction) (protocol.StoredTransactionBody, error) {
	tx, err := e.Transaction.Encode()
	if err != nil {
		return protocol.StoredTransactionBody{}, err
	}
	body := protocol.StoredTransactionBody{
		Sequenced:       e.Sequenced,
		ValidFrom:       e.ValidFrom,
		RejectionReason: e.RejectionReason,
		Transaction:     tx,
	}
	if e.ValidUntil != nil {
		until := *e.ValidUntil
		body.ValidUntil = &until
	}
	return body, nil
}

// DecodeStored converts a wire entry back into a store entry, preserving the
// original timestamps.
func DecodeStored(body protocol.StoredTransactionBody) (StoredTransaction, error) {
	tx, err := protocol.DecodeSignedTransaction(body.Transaction)
	if err != nil {
		return StoredTransaction{}, err
	}
	e := StoredTransaction{
		Transaction:     tx,
		Sequenced:       body.Sequenced,
		ValidFrom:       body.ValidFrom,
		RejectionReason: body.RejectionReason,
	}
	if body.ValidUntil != nil {
		until := *body.ValidUntil
		e.ValidUntil = &until
	}
	return e, nil
}
