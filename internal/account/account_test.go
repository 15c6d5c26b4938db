package account

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mioyvo/amsd/internal/address"
	"github.com/mioyvo/amsd/internal/cryptobox"
	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/integrity"
	"github.com/mioyvo/amsd/internal/ledger/shard"
	"github.com/mioyvo/amsd/internal/ledger/store"
)

type testNotifier struct{}

func (testNotifier) WarnTamper(ctx context.Context, kind, id, reason string) {}

// newTestService wires an account.Service against a real Postgres
// instance. Skipped unless TEST_DATABASE_URL is set.
func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping account integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	router := shard.NewRouter(pool)
	if err := router.EnsureAccountTables(ctx); err != nil {
		t.Fatalf("EnsureAccountTables: %v", err)
	}
	st := store.New(pool, router)

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key")
	ivPath := filepath.Join(dir, "iv")
	os.WriteFile(keyPath, []byte("0123456789abcdef0123456789abcdef"), 0600)
	os.WriteFile(ivPath, []byte("abcdef0123456789"), 0600)
	box, err := cryptobox.LoadFromFiles(keyPath, ivPath)
	if err != nil {
		t.Fatalf("LoadFromFiles: %v", err)
	}

	verifier := integrity.New(testNotifier{})
	return New(st, box, verifier)
}

func TestCreateProducesValidAddressAndDecryptableSecret(t *testing.T) {
	svc := newTestService(t)
	acc, err := svc.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !address.Valid(acc.Address) {
		t.Errorf("Create returned an invalid address: %s", acc.Address)
	}
	if acc.Sequence != 0 {
		t.Errorf("Sequence = %d, want 0", acc.Sequence)
	}
	if len(acc.Balances) != 0 {
		t.Errorf("new account should have no trusted assets, got %v", acc.Balances)
	}

	plaintext, err := svc.box.Decrypt(acc.Secret)
	if err != nil {
		t.Fatalf("Decrypt stored secret: %v", err)
	}
	if string(plaintext)[0] != 'S' {
		t.Errorf("decrypted secret should be an 'S...' seed, got %q", plaintext)
	}
}

func TestGetFailsOnTamperedHash(t *testing.T) {
	svc := newTestService(t)
	acc, err := svc.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.store.WithTx(context.Background(), func(tx pgx.Tx) error {
		return svc.store.SetHash(context.Background(), tx, acc.Address, "tampered")
	}); err != nil {
		t.Fatalf("tamper hash: %v", err)
	}

	_, err = svc.Get(context.Background(), acc.Address)
	le, ok := ledger.AsError(err)
	if !ok || le.Code != ledger.CodeInvalidAccount {
		t.Fatalf("Get on tampered account: err = %v, want CodeInvalidAccount", err)
	}
}

func TestGetUnknownAddressReturnsNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Get(context.Background(), "GDOESNOTEXISTATALL00000000000000000000000000000000000")
	le, ok := ledger.AsError(err)
	if !ok || le.Code != ledger.CodeAddressNotFound {
		t.Fatalf("err = %v, want CodeAddressNotFound", err)
	}
}

func TestTrustAssetIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	acc, err := svc.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := svc.TrustAsset(context.Background(), acc.Address, "USD")
	if err != nil {
		t.Fatalf("first TrustAsset: %v", err)
	}
	if !first.TrustsAsset("USD") {
		t.Fatal("account should trust USD after TrustAsset")
	}
	if first.Sequence != 1 {
		t.Errorf("sequence after first trust = %d, want 1", first.Sequence)
	}

	second, err := svc.TrustAsset(context.Background(), acc.Address, "USD")
	if err != nil {
		t.Fatalf("second TrustAsset: %v", err)
	}
	if second.Sequence != first.Sequence {
		t.Errorf("idempotent TrustAsset bumped the sequence again: %d -> %d", first.Sequence, second.Sequence)
	}
}

func TestSequenceAndBalancesReflectState(t *testing.T) {
	svc := newTestService(t)
	acc, err := svc.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.TrustAsset(context.Background(), acc.Address, "EUR"); err != nil {
		t.Fatalf("TrustAsset: %v", err)
	}

	seq, err := svc.Sequence(context.Background(), acc.Address)
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if seq != 1 {
		t.Errorf("Sequence = %d, want 1", seq)
	}

	balances, err := svc.Balances(context.Background(), acc.Address)
	if err != nil {
		t.Fatalf("Balances: %v", err)
	}
	if len(balances) != 1 || balances[0].Asset != "EUR" {
		t.Errorf("Balances = %v, want a single EUR entry", balances)
	}
}

func TestTransactionsWithZeroLimitReturnsEmptySlice(t *testing.T) {
	svc := newTestService(t)
	acc, err := svc.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handles, err := svc.Transactions(context.Background(), acc.Address, ledger.OrderDesc, "", 0)
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	if handles == nil {
		t.Error("Transactions returned nil, want an (empty) slice")
	}
}
