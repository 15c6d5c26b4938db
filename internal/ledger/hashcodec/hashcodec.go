// Package hashcodec implements the transaction-handle scheme and the
// account integrity hash described in the ledger's content-integrity
// layer: a 74-character handle packs a 64-char SHA-256 content hash with
// a 10-digit Unix timestamp, and every account row carries a rotated
// BLAKE2s-256 digest of its own fields.
package hashcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"golang.org/x/crypto/blake2s"
)

// PERM permutes the timestamp's decimal digits before they are woven into
// the content hash. INSERT_POS/EXTRACT_POS are the complementary build/parse
// index tables. These three tables are wire-compatible by specification:
// changing them would invalidate every handle persisted so far.
var (
	perm       = [10]int{5, 0, 1, 8, 4, 6, 2, 3, 9, 7}
	insertPos  = [10]int{7, 13, 15, 19, 25, 31, 34, 41, 69, 72}
	extractPos = [10]int{7, 12, 13, 16, 21, 26, 28, 34, 61, 63}

	permInverse = invertPerm(perm)
)

func invertPerm(p [10]int) [10]int {
	var inv [10]int
	for i, v := range p {
		inv[v] = i
	}
	return inv
}

const (
	// HandleLen is the fixed length of a transaction handle.
	HandleLen = 74
	// ContentHashLen is the length of the embedded SHA-256 content hash.
	ContentHashLen = 64
	// tsDigits is the number of decimal digits a Unix-seconds timestamp
	// must have for the scheme to apply; valid until the year 2286.
	tsDigits = 10
	// accountHashRotation (K in spec terms) is how many leading hex chars
	// of the raw BLAKE2s digest are moved to the tail before storage.
	accountHashRotation = 20
)

// Sha256Hex returns the lowercase hex SHA-256 digest of data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BuildHandle packs a 64-char content hash and a Unix-seconds timestamp
// into a single 74-char handle.
func BuildHandle(ts int64, hash64 string) (string, error) {
	if len(hash64) != ContentHashLen {
		return "", fmt.Errorf("hashcodec: content hash must be %d chars, got %d", ContentHashLen, len(hash64))
	}
	tsStr := strconv.FormatInt(ts, 10)
	if len(tsStr) != tsDigits {
		return "", fmt.Errorf("hashcodec: timestamp must have %d digits, got %q", tsDigits, tsStr)
	}

	list := make([]byte, 0, HandleLen)
	list = append(list, hash64...)

	for i := 0; i < tsDigits; i++ {
		c := tsStr[perm[i]]
		pos := insertPos[i]
		list = append(list, 0)
		copy(list[pos+1:], list[pos:])
		list[pos] = c
	}
	if len(list) != HandleLen {
		return "", fmt.Errorf("hashcodec: internal error, built handle has length %d", len(list))
	}
	return string(list), nil
}

// ParseHandle recovers the content hash and embedded timestamp from a
// 74-char handle.
func ParseHandle(handle string) (hash64 string, ts int64, err error) {
	if len(handle) != HandleLen {
		return "", 0, fmt.Errorf("hashcodec: handle must be %d chars, got %d", HandleLen, len(handle))
	}

	list := make([]byte, len(handle))
	copy(list, handle)

	var scrambled [tsDigits]byte
	for i := 0; i < tsDigits; i++ {
		pos := extractPos[i]
		if pos < 0 || pos >= len(list) {
			return "", 0, fmt.Errorf("hashcodec: malformed handle, extract index %d out of range", pos)
		}
		scrambled[i] = list[pos]
		list = append(list[:pos], list[pos+1:]...)
	}

	var tsBytes [tsDigits]byte
	for j := 0; j < tsDigits; j++ {
		tsBytes[j] = scrambled[permInverse[j]]
	}

	ts, err = strconv.ParseInt(string(tsBytes[:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("hashcodec: invalid embedded timestamp: %w", err)
	}
	if len(list) != ContentHashLen {
		return "", 0, fmt.Errorf("hashcodec: malformed handle, residual hash length %d", len(list))
	}
	return string(list), ts, nil
}

// AccountHash computes the rotated BLAKE2s-256 hex digest stored as an
// account row's `hash` column, given its canonical JSON projection.
func AccountHash(canonicalJSON []byte) (string, error) {
	sum := blake2s.Sum256(canonicalJSON)
	d := hex.EncodeToString(sum[:])
	return rotateLeft(d, accountHashRotation), nil
}

// VerifyAccountHash recomputes the digest from canonicalJSON and compares
// it against the stored (rotated) hash.
func VerifyAccountHash(canonicalJSON []byte, stored string) bool {
	want, err := AccountHash(canonicalJSON)
	if err != nil {
		return false
	}
	return want == stored
}

func rotateLeft(s string, k int) string {
	if k <= 0 || k >= len(s) {
		return s
	}
	return s[k:] + s[:k]
}

func rotateRight(s string, k int) string {
	if k <= 0 || k >= len(s) {
		return s
	}
	return s[len(s)-k:] + s[:len(s)-k]
}

// UnrotateAccountHash reverses the storage rotation, returning the raw
// digest as originally computed (useful for diagnostics/tests).
func UnrotateAccountHash(stored string) string {
	return rotateRight(stored, accountHashRotation)
}
