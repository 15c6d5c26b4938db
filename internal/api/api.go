// Package api is the HTTP surface: routes under /ams/v1/... wiring form-
// and JSON-encoded requests into the account service and transfer
// engine, and rendering every logical failure as a {code, message} body
// with HTTP status 200. Account creation and faucet mints answer 201 on
// success; malformed request bodies get 400 and non-logical failures get
// 500.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mioyvo/amsd/internal/account"
	"github.com/mioyvo/amsd/internal/address"
	"github.com/mioyvo/amsd/internal/ledger"
	"github.com/mioyvo/amsd/internal/ledger/hashcodec"
	"github.com/mioyvo/amsd/internal/ledger/integrity"
	"github.com/mioyvo/amsd/internal/ledger/store"
	"github.com/mioyvo/amsd/internal/ledger/transfer"
	"github.com/mioyvo/amsd/pkg/logging"
)

// Server is the AMS HTTP API.
type Server struct {
	accounts *account.Service
	transfer *transfer.Engine
	store    *store.Store
	verifier *integrity.Verifier
	log      *logging.Logger

	httpServer *http.Server
}

// New builds a Server wired to its dependencies. Call Start to serve.
func New(accounts *account.Service, engine *transfer.Engine, st *store.Store, verifier *integrity.Verifier) *Server {
	return &Server{
		accounts: accounts,
		transfer: engine,
		store:    st,
		verifier: verifier,
		log:      logging.GetDefault().Component("api"),
	}
}

// Start binds addr and begins serving in a background goroutine.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ams/v1/accounts/", s.createAccount)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}", s.getAccount)
	mux.HandleFunc("POST /ams/v1/accounts/{addr}/asset", s.trustAsset)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}/sequence", s.getSequence)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}/balances", s.getBalances)
	mux.HandleFunc("GET /ams/v1/accounts/{addr}/transactions", s.listTransactions)
	mux.HandleFunc("POST /ams/v1/transactions/hash", s.buildHash)
	mux.HandleFunc("POST /ams/v1/transactions/", s.submitSingle)
	mux.HandleFunc("POST /ams/v1/transactions/bulk/hash", s.buildBulkHash)
	mux.HandleFunc("POST /ams/v1/transactions/bulk", s.submitBulk)
	mux.HandleFunc("GET /ams/v1/transactions/{handle}", s.getTransaction)
	mux.HandleFunc("POST /ams/v1/faucet/", s.faucet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", "error", err)
		}
	}()
	s.log.Info("api server started", "addr", addr)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// writeJSON writes v as a JSON body with the given HTTP status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape for every logical failure, always sent
// with HTTP status 200 per spec.
type errorBody struct {
	Code    ledger.Code `json:"code"`
	Message string      `json:"message"`
}

// writeError renders err as a logical {code, message} body over HTTP 200
// when it is a *ledger.Error, or a plain-text 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	if le, ok := ledger.AsError(err); ok {
		writeJSON(w, http.StatusOK, errorBody{Code: le.Code, Message: le.Message})
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	http.Error(w, msg, http.StatusBadRequest)
}

// accountView is the JSON shape returned for account reads: it never
// carries the encrypted secret.
type accountView struct {
	Address      string                 `json:"address"`
	Sequence     int64                  `json:"sequence"`
	Balances     []ledger.BalanceEntry  `json:"balances"`
	Transactions []string               `json:"transactions,omitempty"`
	Hash         string                 `json:"hash,omitempty"`
	CreatedAt    int64                  `json:"created_at"`
	UpdatedAt    int64                  `json:"updated_at"`
}

func toAccountView(a *ledger.Account, withTxns, withHash bool) accountView {
	v := accountView{
		Address:   a.Address,
		Sequence:  a.Sequence,
		Balances:  a.Balances,
		CreatedAt: a.CreatedAt.Unix(),
		UpdatedAt: a.UpdatedAt.Unix(),
	}
	if withTxns {
		v.Transactions = a.Transactions
	}
	if withHash {
		v.Hash = a.Hash
	}
	return v
}

// createAccountResponse is returned once, at creation time, with the
// plaintext secret and mnemonic the caller must save — no other endpoint
// ever exposes them again.
type createAccountResponse struct {
	Address   string `json:"address"`
	Secret    string `json:"secret"`
	Mnemonic  string `json:"mnemonic"`
	Sequence  int64  `json:"sequence"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := s.accounts.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAccountResponse{
		Address:   acc.Address,
		Secret:    acc.Secret,
		Mnemonic:  acc.Mnemonic,
		Sequence:  acc.Sequence,
		CreatedAt: acc.CreatedAt.Unix(),
	})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	acc, err := s.accounts.Get(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(acc, false, false))
}

func (s *Server) trustAsset(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := r.ParseForm(); err != nil {
		writeBadRequest(w, "malformed form body")
		return
	}
	assets := strings.Split(r.FormValue("asset"), ",")
	var acc *ledger.Account
	for _, asset := range assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		a, err := s.accounts.TrustAsset(r.Context(), addr, asset)
		if err != nil {
			writeError(w, err)
			return
		}
		acc = a
	}
	if acc == nil {
		writeBadRequest(w, "asset is required")
		return
	}
	writeJSON(w, http.StatusOK, toAccountView(acc, false, false))
}

func (s *Server) getSequence(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	seq, err := s.accounts.Sequence(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence": seq})
}

func (s *Server) getBalances(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	balances, err := s.accounts.Balances(r.Context(), addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]ledger.BalanceEntry{"balances": balances})
}

func (s *Server) listTransactions(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	q := r.URL.Query()
	limit := 30
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	order := ledger.OrderDesc
	if strings.EqualFold(q.Get("order"), "ASC") {
		order = ledger.OrderAsc
	}
	handles, err := s.accounts.Transactions(r.Context(), addr, order, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, handles)
}

// transactionView is the JSON shape for a single transaction, mirroring
// the fields a single- or bulk-transfer row carries.
type transactionView struct {
	Hash         string           `json:"hash"`
	Asset        *string          `json:"asset,omitempty"`
	From         string           `json:"from"`
	To           *string          `json:"to,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	FromSequence int64            `json:"from_sequence"`
	IsSuccess    bool             `json:"is_success"`
	IsBulk       bool             `json:"is_bulk"`
	Op           []ledger.Leg     `json:"op,omitempty"`
	Memo         string           `json:"memo,omitempty"`
	CreatedAt    int64            `json:"created_at"`
}

func toTransactionView(t *ledger.Transaction) transactionView {
	return transactionView{
		Hash:         t.Hash,
		Asset:        t.Asset,
		From:         t.From,
		To:           t.To,
		Amount:       t.Amount,
		FromSequence: t.FromSequence,
		IsSuccess:    t.IsSuccess,
		IsBulk:       t.IsBulk,
		Op:           t.Op,
		Memo:         t.Memo,
		CreatedAt:    t.CreatedAt.Unix(),
	}
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	handle := r.PathValue("handle")
	_, ts, err := hashcodec.ParseHandle(handle)
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed(err.Error()))
		return
	}
	t, err := s.store.GetTxn(r.Context(), ts, handle)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, ledger.ErrTxnNotFound(handle))
			return
		}
		writeError(w, err)
		return
	}
	if !s.verifier.VerifyTransactionHandle(r.Context(), t) {
		writeError(w, ledger.ErrInvalidTransaction(handle))
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(t))
}

type hashResponse struct {
	Handle    string `json:"handle"`
	CreatedAt int64  `json:"created_at"`
}

func (s *Server) buildHash(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeBadRequest(w, "malformed form body")
		return
	}
	asset := r.FormValue("asset")
	from := r.FormValue("from")
	to := r.FormValue("to")
	amount, err := decimal.NewFromString(r.FormValue("amount"))
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed("invalid amount"))
		return
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		writeError(w, err)
		return
	}
	fromSeq, err := strconv.ParseInt(r.FormValue("from_sequence"), 10, 64)
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed("invalid from_sequence"))
		return
	}
	handle, ts, err := transfer.BuildHandle(&asset, from, &to, &amount, fromSeq, nil)
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{Handle: handle, CreatedAt: ts})
}

func (s *Server) submitSingle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeBadRequest(w, "malformed form body")
		return
	}
	amount, err := decimal.NewFromString(r.FormValue("amount"))
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed("invalid amount"))
		return
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		writeError(w, err)
		return
	}
	fromSeq, err := strconv.ParseInt(r.FormValue("from_sequence"), 10, 64)
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed("invalid from_sequence"))
		return
	}
	req := transfer.SingleRequest{
		Asset:        r.FormValue("asset"),
		From:         r.FormValue("from"),
		To:           r.FormValue("to"),
		Amount:       amount,
		FromSequence: fromSeq,
		Handle:       r.FormValue("txn_hash"),
		Memo:         r.FormValue("memo"),
	}
	if !address.Valid(req.From) || !address.Valid(req.To) {
		writeError(w, ledger.ErrInvalidAccount("malformed address"))
		return
	}
	txn, err := s.transfer.Single(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(txn))
}

type bulkLeg struct {
	From   string          `json:"from"`
	To     string          `json:"to"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type bulkHashRequest struct {
	From         string    `json:"from"`
	FromSequence int64     `json:"from_sequence"`
	Op           []bulkLeg `json:"op"`
}

func toLegs(in []bulkLeg) []ledger.Leg {
	out := make([]ledger.Leg, len(in))
	for i, l := range in {
		out[i] = ledger.Leg{From: l.From, To: l.To, Asset: l.Asset, Amount: l.Amount}
	}
	return out
}

func (s *Server) buildBulkHash(w http.ResponseWriter, r *http.Request) {
	var req bulkHashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed json body")
		return
	}
	for _, leg := range req.Op {
		if err := ledger.ValidateAmount(leg.Amount); err != nil {
			writeError(w, err)
			return
		}
	}
	handle, ts, err := transfer.BuildHandle(nil, req.From, nil, nil, req.FromSequence, toLegs(req.Op))
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, hashResponse{Handle: handle, CreatedAt: ts})
}

type bulkRequest struct {
	From         string    `json:"from"`
	FromSequence int64     `json:"from_sequence"`
	Op           []bulkLeg `json:"op"`
	TxnHash      string    `json:"txn_hash"`
	Memo         string    `json:"memo"`
}

// submitBulk handles POST /ams/v1/transactions/bulk. The submitter's
// sequence must equal from_sequence, but it only advances when the
// submitter is also the `from` of a leg (once per such leg); the `op`
// list in the response shows which legs those are.
func (s *Server) submitBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "malformed json body")
		return
	}
	txn, err := s.transfer.Bulk(r.Context(), transfer.BulkRequest{
		From:         req.From,
		FromSequence: req.FromSequence,
		Op:           toLegs(req.Op),
		Handle:       req.TxnHash,
		Memo:         req.Memo,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionView(txn))
}

func (s *Server) faucet(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeBadRequest(w, "malformed form body")
		return
	}
	amount, err := decimal.NewFromString(r.FormValue("amount"))
	if err != nil {
		writeError(w, ledger.ErrTxnBuildFailed("invalid amount"))
		return
	}
	if err := ledger.ValidateAmount(amount); err != nil {
		writeError(w, err)
		return
	}
	txn, err := s.transfer.Faucet(r.Context(), transfer.FaucetRequest{
		Asset:  r.FormValue("asset"),
		To:     r.FormValue("to"),
		Amount: amount,
		Memo:   "faucet",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionView(txn))
}
