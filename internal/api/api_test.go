package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mioyvo/amsd/internal/account"
	"github.com/mioyvo/amsd/internal/cryptobox"
	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/integrity"
	"github.com/mioyvo/amsd/internal/ledger/lock"
	"github.com/mioyvo/amsd/internal/ledger/shard"
	"github.com/mioyvo/amsd/internal/ledger/store"
	"github.com/mioyvo/amsd/internal/ledger/transfer"
)

type testNotifier struct{}

func (testNotifier) WarnTamper(ctx context.Context, kind, id, reason string) {}

// newTestServer wires a full API stack against real Postgres and Redis.
// Skipped unless TEST_DATABASE_URL and TEST_REDIS_ADDR are both set.
func newTestServer(t *testing.T) (*httptest.Server, *store.Store) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	redisAddr := os.Getenv("TEST_REDIS_ADDR")
	if dsn == "" || redisAddr == "" {
		t.Skip("TEST_DATABASE_URL and TEST_REDIS_ADDR must both be set to run API tests")
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

	locks := lock.New(lock.Config{Addr: redisAddr, Prefix: "test-api-lock"})
	t.Cleanup(func() { locks.Close() })

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
	accounts := account.New(st, box, verifier)
	engine := transfer.New(st, locks, verifier, time.Minute, "")

	server := New(accounts, engine, st, verifier)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ams/v1/accounts/", server.createAccount)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}", server.getAccount)
	mux.HandleFunc("POST /ams/v1/accounts/{addr}/asset", server.trustAsset)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}/sequence", server.getSequence)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}/balances", server.getBalances)
	mux.HandleFunc("POST /ams/v1/transactions/", server.submitSingle)
	mux.HandleFunc("GET /ams/v1/transactions/{handle}", server.getTransaction)
	mux.HandleFunc("POST /ams/v1/faucet/", server.faucet)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, st
}

func TestCreateAccountExposesSecretOnlyOnce(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/ams/v1/accounts/", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST accounts: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var created createAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Secret == "" || created.Mnemonic == "" {
		t.Error("creation response must include secret and mnemonic")
	}

	// A subsequent read of the same account must never expose them.
	getResp, err := http.Get(ts.URL + "/ams/v1/accounts/" + created.Address)
	if err != nil {
		t.Fatalf("GET account: %v", err)
	}
	defer getResp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(getResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["secret"]; ok {
		t.Error("account read response must not include secret")
	}
	if _, ok := body["mnemonic"]; ok {
		t.Error("account read response must not include mnemonic")
	}
}

func TestGetAccountNotFoundReturnsLogicalError(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ams/v1/accounts/GDOESNOTEXISTATALL00000000000000000000000000000000000")
	if err != nil {
		t.Fatalf("GET account: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 (logical errors are always HTTP 200)", resp.StatusCode)
	}

	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != ledger.CodeAddressNotFound {
		t.Errorf("code = %d, want %d", body.Code, ledger.CodeAddressNotFound)
	}
}

func TestGetTransactionFailsOnTamperedRow(t *testing.T) {
	ts, st := newTestServer(t)

	from := createTestAccount(t, ts)
	to := createTestAccount(t, ts)

	asset, toAddr, amount := "USD", to, decimal.RequireFromString("1")
	handle, txnTs, err := transfer.BuildHandle(&asset, from, &toAddr, &amount, 0, nil)
	if err != nil {
		t.Fatalf("BuildHandle: %v", err)
	}
	txn := &ledger.Transaction{
		Hash: handle, Asset: &asset, From: from, To: &toAddr, Amount: &amount,
		FromSequence: 0, IsSuccess: true,
	}
	if err := st.WithTx(context.Background(), func(tx pgx.Tx) error {
		return st.InsertTxn(context.Background(), tx, txnTs, txn)
	}); err != nil {
		t.Fatalf("InsertTxn: %v", err)
	}

	table := shard.TransactionTable(txnTs)
	tamperedAmount := decimal.RequireFromString("999999")
	if _, err := st.Pool().Exec(context.Background(),
		"UPDATE "+table+" SET amount = $1 WHERE hash = $2", tamperedAmount, handle); err != nil {
		t.Fatalf("tamper amount: %v", err)
	}

	resp, err := http.Get(ts.URL + "/ams/v1/transactions/" + handle)
	if err != nil {
		t.Fatalf("GET transaction: %v", err)
	}
	defer resp.Body.Close()

	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != ledger.CodeInvalidTransaction {
		t.Errorf("code = %d, want %d (CodeInvalidTransaction)", body.Code, ledger.CodeInvalidTransaction)
	}
}

func createTestAccount(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/ams/v1/accounts/", "application/x-www-form-urlencoded", nil)
	if err != nil {
		t.Fatalf("POST accounts: %v", err)
	}
	defer resp.Body.Close()
	var created createAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return created.Address
}

func trustAsset(t *testing.T, ts *httptest.Server, addr, asset string) {
	t.Helper()
	form := url.Values{"asset": {asset}}
	resp, err := http.PostForm(ts.URL+"/ams/v1/accounts/"+addr+"/asset", form)
	if err != nil {
		t.Fatalf("POST asset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trust asset status = %d, want 200", resp.StatusCode)
	}
}

func TestFaucetUnconfiguredAndTransferValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	from := createTestAccount(t, ts)
	to := createTestAccount(t, ts)
	trustAsset(t, ts, from, "USD")
	trustAsset(t, ts, to, "USD")

	// No finance account is configured in this server instance, so the
	// faucet must be rejected with a logical error.
	faucetResp, err := http.PostForm(ts.URL+"/ams/v1/faucet/", url.Values{
		"asset": {"USD"}, "to": {to}, "amount": {"10"},
	})
	if err != nil {
		t.Fatalf("POST faucet: %v", err)
	}
	defer faucetResp.Body.Close()
	var body errorBody
	if err := json.NewDecoder(faucetResp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != ledger.CodeInvalidTransaction {
		t.Errorf("expected faucet-not-configured logical error, got code=%d msg=%q", body.Code, body.Message)
	}

	// Exercise the transfer validation path: malformed address is
	// rejected before ever touching storage.
	resp, err := http.PostForm(ts.URL+"/ams/v1/transactions/", url.Values{
		"asset": {"USD"}, "from": {from}, "to": {"not-a-valid-address"}, "amount": {"1"}, "from_sequence": {"0"},
	})
	if err != nil {
		t.Fatalf("POST transactions: %v", err)
	}
	defer resp.Body.Close()
	var txErr errorBody
	if err := json.NewDecoder(resp.Body).Decode(&txErr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if txErr.Code != ledger.CodeInvalidAccount {
		t.Errorf("expected invalid-account error, got code=%d msg=%q", txErr.Code, txErr.Message)
	}

	seqResp, err := http.Get(ts.URL + "/ams/v1/accounts/" + from + "/sequence")
	if err != nil {
		t.Fatalf("GET sequence: %v", err)
	}
	defer seqResp.Body.Close()
	var seq map[string]int64
	json.NewDecoder(seqResp.Body).Decode(&seq)
	if seq["sequence"] != 1 {
		t.Errorf("sequence = %d, want 1 (trusting USD bumped it once; no transfer should have happened)", seq["sequence"])
	}
}
