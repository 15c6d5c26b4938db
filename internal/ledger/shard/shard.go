// Package shard resolves logical account/transaction identities onto the
// physical tables that hold them: accounts are hashed into a fixed set of
// shard tables, transactions are partitioned by calendar month, and both
// kinds of physical table are created lazily on first use.
package shard

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2s"
)

// Count is the fixed number of account shards (N in spec terms). Account
// tables are named Account__1 .. Account__Count.
const Count = 5

// AccountTable returns the physical table name holding address.
func AccountTable(address string) string {
	return fmt.Sprintf("account__%d", AccountShard(address))
}

// AccountShard returns address's shard number in [1, Count], computed as
// (BLAKE2s-256(address) mod Count) + 1, the full digest treated as one
// big-endian integer.
func AccountShard(address string) int {
	sum := blake2s.Sum256([]byte(address))
	n := new(big.Int).SetBytes(sum[:])
	m := new(big.Int).Mod(n, big.NewInt(Count))
	return int(m.Int64()) + 1
}

// TransactionTable returns the physical table name holding a transaction
// created at Unix time ts, partitioned by calendar month in the host's
// local time.
func TransactionTable(ts int64) string {
	return "transaction__" + TransactionPartition(ts)
}

// TransactionPartition returns the "YYYY_MM" partition key for ts,
// interpreted in the host's local time zone per the handle timestamp's
// origin.
func TransactionPartition(ts int64) string {
	t := time.Unix(ts, 0)
	return fmt.Sprintf("%04d_%02d", t.Year(), int(t.Month()))
}

// Router lazily creates and memoizes the physical tables a pool of
// accounts and transactions are sharded across, so that the storage
// adapter never has to issue a DDL statement it already knows is
// satisfied.
type Router struct {
	pool   *pgxpool.Pool
	ready  sync.Map // table name -> struct{}, tables confirmed to exist
	ddlMu  sync.Mutex
}

// NewRouter builds a Router backed by pool. EnsureAccountTables is not
// called automatically; callers decide when to pre-warm shards.
func NewRouter(pool *pgxpool.Pool) *Router {
	return &Router{pool: pool}
}

// EnsureAccountTables creates all Count account shard tables if absent.
func (r *Router) EnsureAccountTables(ctx context.Context) error {
	for i := 1; i <= Count; i++ {
		table := fmt.Sprintf("account__%d", i)
		if err := r.ensureTable(ctx, table, accountDDL(table)); err != nil {
			return err
		}
	}
	return nil
}

// EnsureAccountTable creates the shard table that address lives in, if
// it does not already exist, and returns its name.
func (r *Router) EnsureAccountTable(ctx context.Context, address string) (string, error) {
	table := AccountTable(address)
	if err := r.ensureTable(ctx, table, accountDDL(table)); err != nil {
		return "", err
	}
	return table, nil
}

// EnsureTransactionTable creates the monthly partition table holding a
// transaction timestamped ts, if it does not already exist, and returns
// its name.
func (r *Router) EnsureTransactionTable(ctx context.Context, ts int64) (string, error) {
	table := TransactionTable(ts)
	if err := r.ensureTable(ctx, table, transactionDDL(table)); err != nil {
		return "", err
	}
	return table, nil
}

func (r *Router) ensureTable(ctx context.Context, table, ddl string) error {
	if _, ok := r.ready.Load(table); ok {
		return nil
	}
	r.ddlMu.Lock()
	defer r.ddlMu.Unlock()
	if _, ok := r.ready.Load(table); ok {
		return nil
	}
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("shard: create table %s: %w", table, err)
	}
	r.ready.Store(table, struct{}{})
	return nil
}

func accountDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	address      TEXT PRIMARY KEY,
	sequence     BIGINT NOT NULL DEFAULT 0,
	secret       TEXT NOT NULL DEFAULT '',
	mnemonic     TEXT NOT NULL DEFAULT '',
	balances     JSONB NOT NULL DEFAULT '[]',
	transactions JSONB NOT NULL DEFAULT '[]',
	hash         TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table)
}

func transactionDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	hash          TEXT PRIMARY KEY,
	asset         TEXT,
	"from"        TEXT NOT NULL,
	"to"          TEXT,
	amount        DECIMAL(23,7),
	from_sequence BIGINT NOT NULL,
	is_success    BOOLEAN NOT NULL DEFAULT true,
	is_bulk       BOOLEAN NOT NULL DEFAULT false,
	op            JSONB,
	memo          TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`, table)
}
