// Package account is the account service: creating new accounts,
// trusting new assets into them, and the read-side sequence/balance/
// transaction-history queries the API surface exposes.
package account

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mioyvo/amsd/internal/address"
	"github.com/mioyvo/amsd/internal/cryptobox"
	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/integrity"
	"github.com/mioyvo/amsd/internal/ledger/store"
)

// Service is the account service.
type Service struct {
	store    *store.Store
	box      *cryptobox.Box
	verifier *integrity.Verifier
}

// New builds a Service. box encrypts/decrypts the stored secret;
// verifier checks integrity hashes on every read.
func New(st *store.Store, box *cryptobox.Box, verifier *integrity.Verifier) *Service {
	return &Service{store: st, box: box, verifier: verifier}
}

// Create generates a new ed25519 keypair and recovery phrase, encrypts
// the private seed with the configured cryptobox, and persists a fresh
// account row with no trusted assets.
func (s *Service) Create(ctx context.Context) (*ledger.Account, error) {
	kp, err := address.Generate()
	if err != nil {
		return nil, fmt.Errorf("account: generate keypair: %w", err)
	}
	mnemonic, err := address.GenerateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("account: generate mnemonic: %w", err)
	}
	secretCipher, err := s.box.Encrypt([]byte(kp.Secret))
	if err != nil {
		return nil, fmt.Errorf("account: encrypt secret: %w", err)
	}

	acc := &ledger.Account{
		Address:      kp.Address,
		Sequence:     0,
		Secret:       secretCipher,
		Mnemonic:     mnemonic,
		Balances:     []ledger.BalanceEntry{},
		Transactions: []string{},
	}
	hash, err := integrity.AccountHash(acc)
	if err != nil {
		return nil, fmt.Errorf("account: compute integrity hash: %w", err)
	}
	acc.Hash = hash

	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		return s.store.InsertAccount(ctx, tx, acc)
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// Get reads one account by address, verifying its integrity hash along
// the way: a mismatch is reported through the notifier and fails the
// read with CodeInvalidAccount rather than returning the tampered row.
func (s *Service) Get(ctx context.Context, addr string) (*ledger.Account, error) {
	acc, err := s.store.GetAccount(ctx, nil, addr)
	if err != nil {
		return nil, mapNotFound(err, addr)
	}
	if !s.verifier.VerifyAccount(ctx, acc) {
		return nil, ledger.ErrInvalidAccount(addr)
	}
	return acc, nil
}

// TrustAsset adds a zero-balance entry for asset to addr's account, if
// not already present.
func (s *Service) TrustAsset(ctx context.Context, addr, asset string) (*ledger.Account, error) {
	var result *ledger.Account
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		acc, err := s.store.GetAccountForUpdate(ctx, tx, addr)
		if err != nil {
			return mapNotFound(err, addr)
		}
		if !s.verifier.VerifyAccount(ctx, acc) {
			return ledger.ErrInvalidAccount(addr)
		}

		if acc.TrustsAsset(asset) {
			result = acc
			return nil
		}

		newBalances := append(append([]ledger.BalanceEntry(nil), acc.Balances...), ledger.BalanceEntry{
			Asset:   asset,
			Balance: decimal.Zero,
		})
		clone := *acc
		clone.Balances = newBalances
		clone.Sequence = acc.Sequence + 1
		hash, err := integrity.AccountHash(&clone)
		if err != nil {
			return fmt.Errorf("account: compute integrity hash: %w", err)
		}

		ok, err := s.store.TrustAsset(ctx, tx, addr, asset, acc.Sequence, hash, newBalances)
		if err != nil {
			return err
		}
		if !ok {
			return ledger.ErrInvalidAccount(fmt.Sprintf("failed to trust asset %s for %s", asset, addr))
		}
		clone.Hash = hash
		result = &clone
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Sequence returns addr's current sequence number.
func (s *Service) Sequence(ctx context.Context, addr string) (int64, error) {
	acc, err := s.Get(ctx, addr)
	if err != nil {
		return 0, err
	}
	return acc.Sequence, nil
}

// Balances returns addr's trusted balances.
func (s *Service) Balances(ctx context.Context, addr string) ([]ledger.BalanceEntry, error) {
	acc, err := s.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	return acc.Balances, nil
}

// Transactions returns a page of addr's transaction handles, ordered and
// cursor-paginated as requested.
func (s *Service) Transactions(ctx context.Context, addr string, order ledger.Order, cursor string, limit int) ([]string, error) {
	if limit <= 0 || limit > 200 {
		limit = 30
	}
	if _, err := s.Get(ctx, addr); err != nil {
		return nil, err
	}
	handles, err := s.store.ListTransactions(ctx, addr, order, cursor, limit)
	if err != nil {
		return nil, mapNotFound(err, addr)
	}
	return handles, nil
}

func mapNotFound(err error, addr string) error {
	if err == store.ErrNotFound {
		return ledger.ErrAddressNotFound(addr)
	}
	return err
}
