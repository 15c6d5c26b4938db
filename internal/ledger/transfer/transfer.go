// Package transfer implements the transfer engine: the single- and
// bulk-transfer state machines that move balances between accounts,
// enforcing sequence-based replay protection and leaving every mutated
// account's integrity hash consistent with its new content.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/canon"
	"github.com/mioyvo/amsd/internal/ledger/hashcodec"
	"github.com/mioyvo/amsd/internal/ledger/integrity"
	"github.com/mioyvo/amsd/internal/ledger/lock"
	"github.com/mioyvo/amsd/internal/ledger/store"
)

// LeaseBlockingTimeout bounds how long Acquire will retry a contended
// per-leg bulk-transfer lease before giving up, and LeaseTimeout bounds
// how long a claimed lease is held before it expires on its own.
const (
	LeaseBlockingTimeout = 200 * time.Millisecond
	LeaseTimeout         = 100 * time.Second
)

// Engine is the transfer state machine. It owns no state of its own;
// every mutation goes through store inside one transaction scope.
type Engine struct {
	store       *store.Store
	locks       *lock.Client
	verifier    *integrity.Verifier
	txnExpiry   time.Duration
	financeAddr string
}

// New builds an Engine. txnExpiry is how old a caller-supplied handle's
// embedded timestamp may be before it is rejected as expired.
// financeAddr is the privileged account Faucet mints from.
func New(st *store.Store, locks *lock.Client, verifier *integrity.Verifier, txnExpiry time.Duration, financeAddr string) *Engine {
	return &Engine{store: st, locks: locks, verifier: verifier, txnExpiry: txnExpiry, financeAddr: financeAddr}
}

// SingleRequest describes a single point-to-point transfer.
type SingleRequest struct {
	Asset        string
	From         string
	To           string
	Amount       decimal.Decimal
	FromSequence int64
	Handle       string // optional, caller-prebuilt via BuildHandle
	Memo         string
}

// BuildHandle computes the 74-char handle and embedded timestamp for a
// transfer that has not been built yet (the `POST /transactions/hash`
// and `POST /transactions/bulk/hash` preview endpoints use this
// directly, without touching storage).
func BuildHandle(asset *string, from string, to *string, amount *decimal.Decimal, fromSeq int64, op []ledger.Leg) (handle string, ts int64, err error) {
	ts = time.Now().Unix()
	raw := canon.TxnRaw{Asset: asset, From: from, To: to, Amount: amount, FromSequence: fromSeq, CreateAt: ts}
	if op != nil {
		raw.Op = toCanonLegs(op)
	}
	content := hashcodec.Sha256Hex(canon.TxnJSON(raw))
	handle, err = hashcodec.BuildHandle(ts, content)
	return handle, ts, err
}

// resolveHandle returns a handle and its embedded timestamp for a
// transfer: builds a fresh one if handle is empty, otherwise parses and
// verifies the caller-supplied handle against the request's own fields
// and rejects it as expired or tampered.
func (e *Engine) resolveHandle(handle string, asset *string, from string, to *string, amount *decimal.Decimal, fromSeq int64, op []ledger.Leg) (string, int64, error) {
	if handle == "" {
		h, ts, err := BuildHandle(asset, from, to, amount, fromSeq, op)
		if err != nil {
			return "", 0, ledger.ErrTxnBuildFailed(err.Error())
		}
		return h, ts, nil
	}

	contentHash, ts, err := hashcodec.ParseHandle(handle)
	if err != nil {
		return "", 0, ledger.ErrTxnBuildFailed(err.Error())
	}
	if e.txnExpiry > 0 && time.Since(time.Unix(ts, 0)) > e.txnExpiry {
		return "", 0, ledger.ErrTxnExpired()
	}

	raw := canon.TxnRaw{Asset: asset, From: from, To: to, Amount: amount, FromSequence: fromSeq, CreateAt: ts}
	if op != nil {
		raw.Op = toCanonLegs(op)
	}
	want := hashcodec.Sha256Hex(canon.TxnJSON(raw))
	if want != contentHash {
		return "", 0, ledger.ErrTxnBuildFailed("submitted handle does not match transaction fields")
	}
	return handle, ts, nil
}

// Single executes one point-to-point transfer through the full state
// machine: validate → resolve handle → debit `from` → credit `to` →
// rehash both accounts → append the transaction row, all inside one
// storage transaction.
func (e *Engine) Single(ctx context.Context, req SingleRequest) (*ledger.Transaction, error) {
	if req.From == req.To {
		return nil, ledger.ErrSelfTransfer()
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	asset, to, amount := req.Asset, req.To, req.Amount
	handle, ts, err := e.resolveHandle(req.Handle, &asset, req.From, &to, &amount, req.FromSequence, nil)
	if err != nil {
		return nil, err
	}

	var result *ledger.Transaction
	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		fromAcc, err := e.store.GetAccountForUpdate(ctx, tx, req.From)
		if err != nil {
			return mapNotFound(err, req.From)
		}
		e.verifier.VerifyAccount(ctx, fromAcc)

		bal, ok := fromAcc.BalanceOf(req.Asset)
		if !ok {
			return ledger.ErrAssetNotTrusted(req.From, req.Asset)
		}
		if fromAcc.Sequence != req.FromSequence {
			return ledger.NewError(ledger.CodeTxnSendFailed, "stale sequence for %s: expected %d, got %d", req.From, fromAcc.Sequence, req.FromSequence)
		}
		if bal.Balance.LessThan(req.Amount) {
			return ledger.ErrInsufficientFunds(req.From, req.Asset)
		}

		toAcc, err := e.store.GetAccountForUpdate(ctx, tx, req.To)
		if err != nil {
			return mapNotFound(err, req.To)
		}
		e.verifier.VerifyAccount(ctx, toAcc)
		if !toAcc.TrustsAsset(req.Asset) {
			return ledger.ErrAssetNotTrusted(req.To, req.Asset)
		}

		newFrom, err := mutateAccount(fromAcc, req.Asset, req.Amount.Neg(), true, handle)
		if err != nil {
			return err
		}
		okDebit, err := e.store.ApplyDebit(ctx, tx, req.From, req.Asset, req.Amount, req.FromSequence, handle, newFrom.Hash)
		if err != nil {
			return fmt.Errorf("transfer: debit %s: %w", req.From, err)
		}
		if !okDebit {
			return ledger.ErrInsufficientFunds(req.From, req.Asset)
		}

		newTo, err := mutateAccount(toAcc, req.Asset, req.Amount, false, handle)
		if err != nil {
			return err
		}
		okCredit, err := e.store.ApplyCredit(ctx, tx, req.To, req.Asset, req.Amount, handle, newTo.Hash)
		if err != nil {
			return fmt.Errorf("transfer: credit %s: %w", req.To, err)
		}
		if !okCredit {
			return ledger.ErrTxnSendFailed(fmt.Sprintf("credit failed for %s", req.To))
		}

		txn := &ledger.Transaction{
			Hash:         handle,
			Asset:        &req.Asset,
			From:         req.From,
			To:           &req.To,
			Amount:       &req.Amount,
			FromSequence: req.FromSequence,
			IsSuccess:    true,
			IsBulk:       false,
			Memo:         req.Memo,
			CreatedAt:    time.Unix(ts, 0),
		}
		if err := e.store.InsertTxn(ctx, tx, ts, txn); err != nil {
			return ledger.ErrTxnSendFailed(err.Error())
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// BulkRequest describes a multi-leg transfer submitted by from, whose
// sequence is checked (but only bumped if from also appears as a leg's
// own `from` address — see the leg loop below).
type BulkRequest struct {
	From         string
	FromSequence int64
	Op           []ledger.Leg
	Handle       string
	Memo         string
}

// Bulk executes a multi-leg transfer: each leg is applied under its own
// per-`from`-address lease, acquired and released individually so no
// lease is ever held across another acquisition (this is what makes
// concurrent bulk transfers with overlapping addresses deadlock-free).
// The submitter's sequence is preflight-checked against from_sequence,
// but only bumped for legs whose `from` equals the submitter.
func (e *Engine) Bulk(ctx context.Context, req BulkRequest) (*ledger.Transaction, error) {
	if len(req.Op) == 0 {
		return nil, ledger.ErrInvalidTransaction("bulk transfer requires at least one leg")
	}

	fromSet := make(map[string]struct{}, len(req.Op)*2)
	for _, leg := range req.Op {
		if leg.From == leg.To {
			return nil, ledger.NewError(ledger.CodeSelfTransfer, "leg from and to must differ: %s", leg.From)
		}
		if err := ledger.ValidateAmount(leg.Amount); err != nil {
			return nil, err
		}
		fromSet[leg.From] = struct{}{}
		fromSet[leg.To] = struct{}{}
	}
	if _, ok := fromSet[req.From]; !ok {
		return nil, ledger.NewError(ledger.CodeInvalidTransaction, "submitter %s does not appear in any leg", req.From)
	}

	handle, ts, err := e.resolveHandle(req.Handle, nil, req.From, nil, nil, req.FromSequence, req.Op)
	if err != nil {
		return nil, err
	}

	// Preflight sequence check, read outside the transaction (mirrors
	// the submitter-sequence precondition check before the atomic leg
	// loop begins).
	preflight, err := e.store.GetAccount(ctx, nil, req.From)
	if err != nil {
		return nil, mapNotFound(err, req.From)
	}
	if preflight.Sequence != req.FromSequence {
		return nil, ledger.NewError(ledger.CodeTxnSendFailed, "stale sequence for %s: expected %d, got %d", req.From, preflight.Sequence, req.FromSequence)
	}

	var result *ledger.Transaction
	err = e.store.WithTx(ctx, func(tx pgx.Tx) error {
		for _, leg := range req.Op {
			if err := e.applyLeg(ctx, tx, leg, handle); err != nil {
				return err
			}
		}

		txn := &ledger.Transaction{
			Hash:         handle,
			From:         req.From,
			FromSequence: req.FromSequence,
			IsSuccess:    true,
			IsBulk:       true,
			Op:           req.Op,
			Memo:         req.Memo,
			CreatedAt:    time.Unix(ts, 0),
		}
		if err := e.store.InsertTxn(ctx, tx, ts, txn); err != nil {
			return ledger.ErrTxnSendFailed(err.Error())
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) applyLeg(ctx context.Context, tx pgx.Tx, leg ledger.Leg, handle string) error {
	lease, err := e.locks.Acquire(ctx, leg.From, LeaseBlockingTimeout, LeaseTimeout)
	if err != nil {
		return ledger.ErrBulkLockFailed(leg.From)
	}
	defer func() {
		_ = lease.Release(ctx)
	}()

	fromAcc, err := e.store.GetAccountForUpdate(ctx, tx, leg.From)
	if err != nil {
		return mapNotFound(err, leg.From)
	}
	e.verifier.VerifyAccount(ctx, fromAcc)
	bal, ok := fromAcc.BalanceOf(leg.Asset)
	if !ok {
		return ledger.ErrAssetNotTrusted(leg.From, leg.Asset)
	}
	if bal.Balance.LessThan(leg.Amount) {
		return ledger.ErrInsufficientFunds(leg.From, leg.Asset)
	}

	toAcc, err := e.store.GetAccountForUpdate(ctx, tx, leg.To)
	if err != nil {
		return mapNotFound(err, leg.To)
	}
	e.verifier.VerifyAccount(ctx, toAcc)
	if !toAcc.TrustsAsset(leg.Asset) {
		return ledger.ErrAssetNotTrusted(leg.To, leg.Asset)
	}

	newFrom, err := mutateAccount(fromAcc, leg.Asset, leg.Amount.Neg(), true, handle)
	if err != nil {
		return err
	}
	okDebit, err := e.store.ApplyDebit(ctx, tx, leg.From, leg.Asset, leg.Amount, fromAcc.Sequence, handle, newFrom.Hash)
	if err != nil {
		return fmt.Errorf("transfer: leg debit %s: %w", leg.From, err)
	}
	if !okDebit {
		return ledger.ErrInsufficientFunds(leg.From, leg.Asset)
	}

	newTo, err := mutateAccount(toAcc, leg.Asset, leg.Amount, false, handle)
	if err != nil {
		return err
	}
	okCredit, err := e.store.ApplyCredit(ctx, tx, leg.To, leg.Asset, leg.Amount, handle, newTo.Hash)
	if err != nil {
		return fmt.Errorf("transfer: leg credit %s: %w", leg.To, err)
	}
	if !okCredit {
		return ledger.ErrTxnSendFailed(fmt.Sprintf("leg credit failed for %s", leg.To))
	}
	return nil
}

// FaucetRequest describes a privileged mint from the finance account.
type FaucetRequest struct {
	Asset  string
	To     string
	Amount decimal.Decimal
	Memo   string
}

// Faucet credits To with Amount of Asset from the finance account,
// bumping only the finance account's own sequence (it is the `from`)
// and leaving To's sequence untouched, matching a privileged mint rather
// than a symmetric debit/credit pair.
func (e *Engine) Faucet(ctx context.Context, req FaucetRequest) (*ledger.Transaction, error) {
	if e.financeAddr == "" {
		return nil, ledger.NewError(ledger.CodeInvalidTransaction, "faucet is not configured")
	}
	if e.financeAddr == req.To {
		return nil, ledger.ErrSelfTransfer()
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return nil, err
	}

	var result *ledger.Transaction
	err := e.store.WithTx(ctx, func(tx pgx.Tx) error {
		financeAcc, err := e.store.GetAccountForUpdate(ctx, tx, e.financeAddr)
		if err != nil {
			return mapNotFound(err, e.financeAddr)
		}
		e.verifier.VerifyAccount(ctx, financeAcc)

		asset, to, amount := req.Asset, req.To, req.Amount
		handle, ts, err := BuildHandle(&asset, e.financeAddr, &to, &amount, financeAcc.Sequence, nil)
		if err != nil {
			return ledger.ErrTxnBuildFailed(err.Error())
		}
		if !financeAcc.TrustsAsset(req.Asset) {
			return ledger.ErrAssetNotTrusted(e.financeAddr, req.Asset)
		}

		toAcc, err := e.store.GetAccountForUpdate(ctx, tx, req.To)
		if err != nil {
			return mapNotFound(err, req.To)
		}
		e.verifier.VerifyAccount(ctx, toAcc)
		if !toAcc.TrustsAsset(req.Asset) {
			return ledger.ErrAssetNotTrusted(req.To, req.Asset)
		}

		newFinance, err := mutateAccount(financeAcc, req.Asset, decimal.Zero, true, handle)
		if err != nil {
			return err
		}
		okSeq, err := e.store.ApplyDebit(ctx, tx, e.financeAddr, req.Asset, decimal.Zero, financeAcc.Sequence, handle, newFinance.Hash)
		if err != nil {
			return fmt.Errorf("transfer: faucet sequence bump: %w", err)
		}
		if !okSeq {
			return ledger.ErrTxnSendFailed("faucet sequence bump failed")
		}

		newTo, err := mutateAccount(toAcc, req.Asset, req.Amount, false, handle)
		if err != nil {
			return err
		}
		okCredit, err := e.store.ApplyCredit(ctx, tx, req.To, req.Asset, req.Amount, handle, newTo.Hash)
		if err != nil {
			return fmt.Errorf("transfer: faucet credit %s: %w", req.To, err)
		}
		if !okCredit {
			return ledger.ErrTxnSendFailed(fmt.Sprintf("faucet credit failed for %s", req.To))
		}

		txn := &ledger.Transaction{
			Hash:         handle,
			Asset:        &req.Asset,
			From:         e.financeAddr,
			To:           &req.To,
			Amount:       &req.Amount,
			FromSequence: financeAcc.Sequence,
			IsSuccess:    true,
			IsBulk:       false,
			Memo:         req.Memo,
			CreatedAt:    time.Unix(ts, 0),
		}
		if err := e.store.InsertTxn(ctx, tx, ts, txn); err != nil {
			return ledger.ErrTxnSendFailed(err.Error())
		}
		result = txn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// mutateAccount returns a clone of acc with asset's balance shifted by
// delta, its sequence bumped (if bumpSeq), handle appended to its
// transaction list (if not already present), and its integrity hash
// recomputed over the new content — the same content the storage
// adapter is told to write, so the two never drift apart.
func mutateAccount(acc *ledger.Account, asset string, delta decimal.Decimal, bumpSeq bool, handle string) (*ledger.Account, error) {
	clone := *acc
	clone.Balances = append([]ledger.BalanceEntry(nil), acc.Balances...)
	for i, b := range clone.Balances {
		if b.Asset == asset {
			clone.Balances[i].Balance = b.Balance.Add(delta)
		}
	}
	if bumpSeq {
		clone.Sequence = acc.Sequence + 1
	}
	clone.Transactions = appendIfMissing(acc.Transactions, handle)

	hash, err := integrity.AccountHash(&clone)
	if err != nil {
		return nil, fmt.Errorf("transfer: rehash account %s: %w", acc.Address, err)
	}
	clone.Hash = hash
	return &clone, nil
}

func appendIfMissing(handles []string, handle string) []string {
	for _, h := range handles {
		if h == handle {
			return handles
		}
	}
	out := make([]string, len(handles), len(handles)+1)
	copy(out, handles)
	return append(out, handle)
}

func mapNotFound(err error, address string) error {
	if err == store.ErrNotFound {
		return ledger.ErrAddressNotFound(address)
	}
	return err
}

func toCanonLegs(ls []ledger.Leg) []canon.Leg {
	out := make([]canon.Leg, len(ls))
	for i, l := range ls {
		out[i] = canon.Leg{From: l.From, To: l.To, Asset: l.Asset, Amount: l.Amount}
	}
	return out
}
