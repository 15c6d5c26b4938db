// Package canon produces the deterministic, whitespace-free canonical
// JSON projections that the hash codec hashes: fixed key order, explicit
// nulls, and decimal amounts rendered as normalized strings so that the
// same logical value always serializes to the same bytes.
package canon

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Leg is one (from, to, asset, amount) entry of a bulk transaction's op
// list. Field order here fixes the canonical order used when hashing.
type Leg struct {
	From   string
	To     string
	Asset  string
	Amount decimal.Decimal
}

// TxnRaw is the canonical projection hashed into a transaction handle's
// content hash: {asset, from, to, amount, from_sequence, create_at [, op]}.
type TxnRaw struct {
	Asset        *string
	From         string
	To           *string
	Amount       *decimal.Decimal
	FromSequence int64
	CreateAt     int64
	Op           []Leg // nil for single transfers
}

// AccountRaw is the canonical projection hashed into an account's
// integrity hash: {address, sequence, secret, balances, mnemonic, transactions}.
type AccountRaw struct {
	Address      string
	Sequence     int64
	Secret       string
	Balances     []BalanceEntry
	Mnemonic     *string
	Transactions []string
}

// BalanceEntry is one {asset, balance} pair. Position within an account's
// balances list is part of the integrity hash and must never be reordered.
type BalanceEntry struct {
	Asset   string
	Balance decimal.Decimal
}

// TxnJSON renders t as canonical bytes suitable for hashing.
func TxnJSON(t TxnRaw) []byte {
	var b strings.Builder
	b.WriteByte('{')

	writeKey(&b, "asset")
	writeStringPtr(&b, t.Asset)
	b.WriteByte(',')

	writeKey(&b, "from")
	writeString(&b, t.From)
	b.WriteByte(',')

	writeKey(&b, "to")
	writeStringPtr(&b, t.To)
	b.WriteByte(',')

	writeKey(&b, "amount")
	if t.Amount != nil {
		writeString(&b, NormalizeDecimal(*t.Amount))
	} else {
		b.WriteString("null")
	}
	b.WriteByte(',')

	writeKey(&b, "from_sequence")
	b.WriteString(strconv.FormatInt(t.FromSequence, 10))
	b.WriteByte(',')

	writeKey(&b, "create_at")
	b.WriteString(strconv.FormatInt(t.CreateAt, 10))

	if t.Op != nil {
		b.WriteByte(',')
		writeKey(&b, "op")
		writeLegs(&b, t.Op)
	}

	b.WriteByte('}')
	return []byte(b.String())
}

// AccountJSON renders a as canonical bytes suitable for hashing.
func AccountJSON(a AccountRaw) []byte {
	var b strings.Builder
	b.WriteByte('{')

	writeKey(&b, "address")
	writeString(&b, a.Address)
	b.WriteByte(',')

	writeKey(&b, "sequence")
	b.WriteString(strconv.FormatInt(a.Sequence, 10))
	b.WriteByte(',')

	writeKey(&b, "secret")
	writeString(&b, a.Secret)
	b.WriteByte(',')

	writeKey(&b, "balances")
	writeBalances(&b, a.Balances)
	b.WriteByte(',')

	writeKey(&b, "mnemonic")
	writeStringPtr(&b, a.Mnemonic)
	b.WriteByte(',')

	writeKey(&b, "transactions")
	writeStrings(&b, a.Transactions)

	b.WriteByte('}')
	return []byte(b.String())
}

// NormalizeDecimal renders d with trailing fractional zeros stripped and
// a trailing bare "." collapsed, matching the canonical amount format.
func NormalizeDecimal(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		s += "0"
	}
	return s
}

func writeKey(b *strings.Builder, key string) {
	writeString(b, key)
	b.WriteByte(':')
}

func writeString(b *strings.Builder, s string) {
	data, _ := json.Marshal(s)
	b.Write(data)
}

func writeStringPtr(b *strings.Builder, s *string) {
	if s == nil {
		b.WriteString("null")
		return
	}
	writeString(b, *s)
}

func writeStrings(b *strings.Builder, ss []string) {
	b.WriteByte('[')
	for i, s := range ss {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, s)
	}
	b.WriteByte(']')
}

func writeBalances(b *strings.Builder, bs []BalanceEntry) {
	b.WriteByte('[')
	for i, e := range bs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		writeKey(b, "asset")
		writeString(b, e.Asset)
		b.WriteByte(',')
		writeKey(b, "balance")
		writeString(b, NormalizeDecimal(e.Balance))
		b.WriteByte('}')
	}
	b.WriteByte(']')
}

func writeLegs(b *strings.Builder, legs []Leg) {
	b.WriteByte('[')
	for i, l := range legs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		writeKey(b, "from")
		writeString(b, l.From)
		b.WriteByte(',')
		writeKey(b, "to")
		writeString(b, l.To)
		b.WriteByte(',')
		writeKey(b, "asset")
		writeString(b, l.Asset)
		b.WriteByte(',')
		writeKey(b, "amount")
		writeString(b, NormalizeDecimal(l.Amount))
		b.WriteByte('}')
	}
	b.WriteByte(']')
}
