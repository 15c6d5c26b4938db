// Package ledger defines the shared domain types and error kinds used by
// the account-and-ledger engine (the hash codec, shard router, storage
// adapter, integrity verifier, transfer engine, and lock client all speak
// this vocabulary).
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// DecimalPrecision and DecimalScale fix the fixed-point arithmetic domain
// for every stored amount: DECIMAL(23,7). All balance math is performed
// at this exact scale; converting to float at any stage is forbidden.
const (
	DecimalPrecision = 23
	DecimalScale     = 7
)

// BalanceEntry is one asset/balance pair inside an account. Position
// within an account's Balances slice is stable and is part of the
// account's integrity hash.
type BalanceEntry struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

// Account is one logical account row (physically, one row in a shard
// table Account__1..Account__N).
type Account struct {
	Address      string
	Sequence     int64
	Secret       string // AES-CBC ciphertext, base64
	Mnemonic     string // plaintext recovery phrase, optional
	Balances     []BalanceEntry
	Transactions []string // ordered transaction handles
	Hash         string   // rotated BLAKE2s-256 integrity digest
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TrustsAsset reports whether the account has a balance entry for asset.
func (a *Account) TrustsAsset(asset string) bool {
	_, ok := a.BalanceOf(asset)
	return ok
}

// BalanceOf returns the balance entry for asset, if trusted.
func (a *Account) BalanceOf(asset string) (BalanceEntry, bool) {
	for _, b := range a.Balances {
		if b.Asset == asset {
			return b, true
		}
	}
	return BalanceEntry{}, false
}

// ValidateAmount enforces the wire contract for any amount a caller
// submits for a transfer leg or a faucet mint: strictly positive, with
// at most DecimalScale fractional digits. Zero and negative amounts are
// rejected outright (a negative amount would otherwise turn a debit
// into a credit against the sender), and amounts with more than
// DecimalScale fractional digits would be silently rounded by the
// DECIMAL(23,7) column rather than rejected.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return ErrTxnBuildFailed("amount must be greater than zero")
	}
	if -amount.Exponent() > DecimalScale {
		return ErrTxnBuildFailed("amount must have at most 7 fractional digits")
	}
	return nil
}

// Leg is one (from, to, asset, amount) entry of a bulk transaction.
type Leg struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Transaction is one logical transaction row (physically, one row in a
// monthly partition Transaction__YYYY_MM).
type Transaction struct {
	Hash         string
	Asset        *string // nil for bulk
	From         string
	To           *string // nil for bulk
	Amount       *decimal.Decimal // nil for bulk
	FromSequence int64
	IsSuccess    bool
	IsBulk       bool
	Op           []Leg // nil for single transfers
	Memo         string
	CreatedAt    time.Time
}

// Order selects ascending or descending pagination order.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)
