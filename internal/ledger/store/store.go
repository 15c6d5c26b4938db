// Package store is the typed storage adapter: parameterized account and
// transaction queries against the shards the Router resolves, and the
// transaction scope that groups a transfer's debit/credit/log-insert
// into one ACID unit. No other package reads or writes account or
// transaction rows (the shard router issues the table DDL, and notify
// owns its own outbox table).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/shard"
)

// ErrNotFound is returned when a row lookup misses.
var ErrNotFound = errors.New("store: not found")

// Store is the storage adapter. All methods that accept a pgx.Tx run
// inside the caller's transaction scope; the no-Tx variants run as a
// single autocommit statement.
type Store struct {
	pool   *pgxpool.Pool
	router *shard.Router
}

// New builds a Store over pool, using router to resolve physical table
// names.
func New(pool *pgxpool.Pool, router *shard.Router) *Store {
	return &Store{pool: pool, router: router}
}

// Pool exposes the underlying pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// WithTx runs fn inside a single serializable-enough read-committed
// transaction, committing on success and rolling back on any error or
// panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

type accountRow struct {
	balances     []byte
	transactions []byte
}

func scanAccount(address string, row pgx.Row) (*ledger.Account, error) {
	var a ledger.Account
	var raw accountRow
	var createdAt, updatedAt time.Time
	a.Address = address
	err := row.Scan(&a.Address, &a.Sequence, &a.Secret, &a.Mnemonic, &raw.balances, &raw.transactions, &a.Hash, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = createdAt, updatedAt
	if err := json.Unmarshal(raw.balances, &a.Balances); err != nil {
		return nil, fmt.Errorf("store: decode balances: %w", err)
	}
	if err := json.Unmarshal(raw.transactions, &a.Transactions); err != nil {
		return nil, fmt.Errorf("store: decode transactions: %w", err)
	}
	return &a, nil
}

// GetAccount reads one account by address, or ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, tx pgx.Tx, address string) (*ledger.Account, error) {
	table, err := s.router.EnsureAccountTable(ctx, address)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT address, sequence, secret, mnemonic, balances, transactions, hash, created_at, updated_at FROM %s WHERE address = $1`, table)
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, address)
	} else {
		row = s.pool.QueryRow(ctx, q, address)
	}
	return scanAccount(address, row)
}

// GetAccountForUpdate is GetAccount with a row lock, for use inside a
// transfer's transaction scope.
func (s *Store) GetAccountForUpdate(ctx context.Context, tx pgx.Tx, address string) (*ledger.Account, error) {
	table, err := s.router.EnsureAccountTable(ctx, address)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT address, sequence, secret, mnemonic, balances, transactions, hash, created_at, updated_at FROM %s WHERE address = $1 FOR UPDATE`, table)
	row := tx.QueryRow(ctx, q, address)
	return scanAccount(address, row)
}

// InsertAccount creates a new account row.
func (s *Store) InsertAccount(ctx context.Context, tx pgx.Tx, a *ledger.Account) error {
	table, err := s.router.EnsureAccountTable(ctx, a.Address)
	if err != nil {
		return err
	}
	balances, err := json.Marshal(a.Balances)
	if err != nil {
		return err
	}
	if a.Transactions == nil {
		a.Transactions = []string{}
	}
	transactions, err := json.Marshal(a.Transactions)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (address, sequence, secret, mnemonic, balances, transactions, hash) VALUES ($1,$2,$3,$4,$5,$6,$7)`, table)
	exec := execer(tx, s.pool)
	_, err = exec.Exec(ctx, q, a.Address, a.Sequence, a.Secret, a.Mnemonic, balances, transactions, a.Hash)
	return err
}

// TrustAsset adds a zero-balance entry for asset to address's account
// and bumps its sequence, guarded by expectSeq and by asset not already
// being present — so a 0-row result means either a stale sequence or the
// asset was already trusted by the time this ran.
func (s *Store) TrustAsset(ctx context.Context, tx pgx.Tx, address, asset string, expectSeq int64, newHash string, balances []ledger.BalanceEntry) (bool, error) {
	table, err := s.router.EnsureAccountTable(ctx, address)
	if err != nil {
		return false, err
	}
	encoded, err := json.Marshal(balances)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`
UPDATE %s SET balances = $1, sequence = sequence + 1, hash = $2, updated_at = now()
WHERE address = $3 AND sequence = $4
  AND NOT EXISTS (SELECT 1 FROM jsonb_array_elements(balances) e WHERE e->>'asset' = $5)`, table)
	tag, err := tx.Exec(ctx, q, encoded, newHash, address, expectSeq, asset)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyDebit atomically debits amount of asset from address, guarded by
// the expected current sequence and a non-negative resulting balance,
// bumps the sequence, appends handle to the transactions list, and sets
// the recomputed hash — all in one statement so a 0-row result
// unambiguously means the guard failed (insufficient funds or stale
// sequence).
func (s *Store) ApplyDebit(ctx context.Context, tx pgx.Tx, address, asset string, amount decimal.Decimal, expectSeq int64, handle, newHash string) (bool, error) {
	table, err := s.router.EnsureAccountTable(ctx, address)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`
UPDATE %s SET
	balances = (
		SELECT jsonb_agg(
			CASE WHEN elem->>'asset' = $1
				THEN jsonb_set(elem, '{balance}', to_jsonb((elem->>'balance')::decimal(23,7) - $2::decimal(23,7)))
				ELSE elem
			END
		)
		FROM jsonb_array_elements(balances) AS elem
	),
	sequence = sequence + 1,
	transactions = CASE WHEN transactions @> to_jsonb($3::text)
		THEN transactions
		ELSE transactions || to_jsonb($3::text)
	END,
	hash = $4,
	updated_at = now()
WHERE address = $5
  AND sequence = $6
  AND EXISTS (
	SELECT 1 FROM jsonb_array_elements(balances) elem
	WHERE elem->>'asset' = $1 AND (elem->>'balance')::decimal(23,7) >= $2::decimal(23,7)
  )`, table)
	tag, err := tx.Exec(ctx, q, asset, amount.String(), handle, newHash, address, expectSeq)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyCredit atomically credits amount of asset to address, appends
// handle to its transactions list, and sets the recomputed hash. Unlike
// ApplyDebit it does not gate on sequence (credits don't consume the
// recipient's sequence).
func (s *Store) ApplyCredit(ctx context.Context, tx pgx.Tx, address, asset string, amount decimal.Decimal, handle, newHash string) (bool, error) {
	table, err := s.router.EnsureAccountTable(ctx, address)
	if err != nil {
		return false, err
	}
	q := fmt.Sprintf(`
UPDATE %s SET
	balances = (
		SELECT jsonb_agg(
			CASE WHEN elem->>'asset' = $1
				THEN jsonb_set(elem, '{balance}', to_jsonb((elem->>'balance')::decimal(23,7) + $2::decimal(23,7)))
				ELSE elem
			END
		)
		FROM jsonb_array_elements(balances) AS elem
	),
	transactions = CASE WHEN transactions @> to_jsonb($3::text)
		THEN transactions
		ELSE transactions || to_jsonb($3::text)
	END,
	hash = $4,
	updated_at = now()
WHERE address = $5
  AND EXISTS (SELECT 1 FROM jsonb_array_elements(balances) elem WHERE elem->>'asset' = $1)`, table)
	tag, err := tx.Exec(ctx, q, asset, amount.String(), handle, newHash, address)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetHash overwrites only the stored integrity hash, used after a read
// discovers a mismatch but the caller chooses to reseal rather than
// merely warn (integrity verifier does not do this by default).
func (s *Store) SetHash(ctx context.Context, tx pgx.Tx, address, hash string) error {
	table, err := s.router.EnsureAccountTable(ctx, address)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET hash = $1, updated_at = now() WHERE address = $2`, table)
	exec := execer(tx, s.pool)
	_, err = exec.Exec(ctx, q, hash, address)
	return err
}

// GetTxn reads one transaction row by handle. ts is the handle's embedded
// timestamp (the caller already parsed the handle to resolve the
// partition).
func (s *Store) GetTxn(ctx context.Context, ts int64, handle string) (*ledger.Transaction, error) {
	table, err := s.router.EnsureTransactionTable(ctx, ts)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT hash, asset, "from", "to", amount, from_sequence, is_success, is_bulk, op, memo, created_at FROM %s WHERE hash = $1`, table)
	row := s.pool.QueryRow(ctx, q, handle)

	var t ledger.Transaction
	var opRaw []byte
	err = row.Scan(&t.Hash, &t.Asset, &t.From, &t.To, &t.Amount, &t.FromSequence, &t.IsSuccess, &t.IsBulk, &opRaw, &t.Memo, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(opRaw) > 0 {
		if err := json.Unmarshal(opRaw, &t.Op); err != nil {
			return nil, fmt.Errorf("store: decode op: %w", err)
		}
	}
	return &t, nil
}

// InsertTxn appends a transaction row to the partition matching ts.
// Unique-constraint violations on hash propagate to the caller so the
// transfer engine can classify them as a duplicate submission.
func (s *Store) InsertTxn(ctx context.Context, tx pgx.Tx, ts int64, t *ledger.Transaction) error {
	table, err := s.router.EnsureTransactionTable(ctx, ts)
	if err != nil {
		return err
	}
	var opRaw []byte
	if t.Op != nil {
		opRaw, err = json.Marshal(t.Op)
		if err != nil {
			return err
		}
	}
	q := fmt.Sprintf(`INSERT INTO %s (hash, asset, "from", "to", amount, from_sequence, is_success, is_bulk, op, memo) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, table)
	_, err = tx.Exec(ctx, q, t.Hash, t.Asset, t.From, t.To, t.Amount, t.FromSequence, t.IsSuccess, t.IsBulk, opRaw, t.Memo)
	return err
}

// ListTransactions returns up to limit transaction handles for address,
// starting strictly after cursor (or from the newest/oldest end if
// cursor is empty), ordered as requested.
func (s *Store) ListTransactions(ctx context.Context, address string, order ledger.Order, cursor string, limit int) ([]string, error) {
	acct, err := s.GetAccount(ctx, nil, address)
	if err != nil {
		return nil, err
	}
	handles := acct.Transactions
	if order == ledger.OrderDesc {
		handles = reversed(handles)
	}
	if cursor != "" {
		idx := -1
		for i, h := range handles {
			if h == cursor {
				idx = i
				break
			}
		}
		if idx >= 0 {
			handles = handles[idx+1:]
		}
	}
	if limit > 0 && len(handles) > limit {
		handles = handles[:limit]
	}
	return handles, nil
}

func reversed(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[len(ss)-1-i] = s
	}
	return out
}

type pgxExecer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgx.CommandTag, error)
}

func execer(tx pgx.Tx, pool *pgxpool.Pool) pgxExecer {
	if tx != nil {
		return tx
	}
	return pool
}
