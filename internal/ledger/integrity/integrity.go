// Package integrity recomputes and checks the per-row content hashes
// every account and transaction carries. A mismatch means some field
// was altered outside the engine's own write path: it is reported
// through the notifier and the caller is responsible for failing the
// read with CodeInvalidAccount / CodeInvalidTransaction rather than
// handing the tampered row back.
package integrity

import (
	"context"

	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/canon"
	"github.com/mioyvo/amsd/internal/ledger/hashcodec"
)

// Notifier receives a best-effort warning when a stored row's hash does
// not match its recomputed content hash. Implementations must not block
// the caller or return an error that aborts the read.
type Notifier interface {
	WarnTamper(ctx context.Context, kind, id, reason string)
}

// Verifier recomputes and checks integrity hashes.
type Verifier struct {
	notify Notifier
}

// New builds a Verifier that reports mismatches to notify.
func New(notify Notifier) *Verifier {
	return &Verifier{notify: notify}
}

// AccountHash computes the canonical integrity hash for account a, as
// stored in its `hash` column.
func AccountHash(a *ledger.Account) (string, error) {
	raw := canon.AccountRaw{
		Address:      a.Address,
		Sequence:     a.Sequence,
		Secret:       a.Secret,
		Balances:     toCanonBalances(a.Balances),
		Transactions: a.Transactions,
	}
	if a.Mnemonic != "" {
		m := a.Mnemonic
		raw.Mnemonic = &m
	}
	return hashcodec.AccountHash(canon.AccountJSON(raw))
}

// VerifyAccount recomputes a's hash and compares it to the stored value,
// reporting a mismatch through the notifier and returning false so the
// caller can fail the read.
func (v *Verifier) VerifyAccount(ctx context.Context, a *ledger.Account) bool {
	want, err := AccountHash(a)
	if err != nil {
		v.notify.WarnTamper(ctx, "account", a.Address, "hash computation failed: "+err.Error())
		return false
	}
	if want != a.Hash {
		v.notify.WarnTamper(ctx, "account", a.Address, "stored hash does not match recomputed digest")
		return false
	}
	return true
}

// VerifyTransactionHandle confirms that handle's embedded content hash
// matches the content hash recomputed from the transaction's own fields.
func (v *Verifier) VerifyTransactionHandle(ctx context.Context, t *ledger.Transaction) bool {
	contentHash, ts, err := hashcodec.ParseHandle(t.Hash)
	if err != nil {
		v.notify.WarnTamper(ctx, "transaction", t.Hash, "malformed handle: "+err.Error())
		return false
	}

	raw := canon.TxnRaw{
		Asset:        t.Asset,
		From:         t.From,
		To:           t.To,
		Amount:       t.Amount,
		FromSequence: t.FromSequence,
		CreateAt:     ts,
	}
	if t.IsBulk {
		raw.Op = toCanonLegs(t.Op)
	}

	want := hashcodec.Sha256Hex(canon.TxnJSON(raw))
	if want != contentHash {
		v.notify.WarnTamper(ctx, "transaction", t.Hash, "embedded content hash does not match recomputed digest")
		return false
	}
	return true
}

func toCanonBalances(bs []ledger.BalanceEntry) []canon.BalanceEntry {
	out := make([]canon.BalanceEntry, len(bs))
	for i, b := range bs {
		out[i] = canon.BalanceEntry{Asset: b.Asset, Balance: b.Balance}
	}
	return out
}

func toCanonLegs(ls []ledger.Leg) []canon.Leg {
	out := make([]canon.Leg, len(ls))
	for i, l := range ls {
		out[i] = canon.Leg{From: l.From, To: l.To, Asset: l.Asset, Amount: l.Amount}
	}
	return out
}
