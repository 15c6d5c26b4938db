// Package address is the account-identity oracle: ed25519 keypair
// generation, a 56-character StrKey-style address encoding (version
// byte + public key + CRC16 checksum, base32), and BIP-39 recovery
// phrases. Spec-wise this is an opaque external collaborator — callers
// only need Generate, Encode/Decode, and the mnemonic helpers.
package address

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/tyler-smith/go-bip39"
)

// versionAccountID and versionSeed are the StrKey version bytes for a
// public address and a private seed, respectively (account = 'G...',
// seed = 'S...').
const (
	versionAccountID byte = 6 << 3
	versionSeed      byte = 18 << 3

	// AddressLen is the fixed length of an encoded address.
	AddressLen = 56
)

var ErrInvalidAddress = errors.New("address: invalid address")

// Keypair is a generated ed25519 identity, with both StrKey encodings.
type Keypair struct {
	Address string // 56-char "G..." public address
	Secret  string // 56-char "S..." private seed
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Generate creates a new random ed25519 keypair.
func Generate() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("address: generate keypair: %w", err)
	}
	addr, err := Encode(pub)
	if err != nil {
		return nil, err
	}
	seed, err := encodeSeed(priv.Seed())
	if err != nil {
		return nil, err
	}
	return &Keypair{Address: addr, Secret: seed, Public: pub, Private: priv}, nil
}

// Encode renders an ed25519 public key as a 56-char "G..." address.
func Encode(pub ed25519.PublicKey) (string, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("address: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	return strkeyEncode(versionAccountID, pub), nil
}

func encodeSeed(seed []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("address: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return strkeyEncode(versionSeed, seed), nil
}

// Decode recovers the raw 32-byte ed25519 public key from a "G..."
// address, validating its length, version byte, checksum, and that the
// key is a valid point on the curve.
func Decode(address string) (ed25519.PublicKey, error) {
	payload, err := strkeyDecode(versionAccountID, address)
	if err != nil {
		return nil, err
	}
	if _, err := new(edwards25519.Point).SetBytes(payload); err != nil {
		return nil, fmt.Errorf("%w: not a valid curve point", ErrInvalidAddress)
	}
	return ed25519.PublicKey(payload), nil
}

// Valid reports whether address is a well-formed, on-curve account
// address. This is the validation oracle the ledger treats balances and
// transfer endpoints as opaque collaborators with.
func Valid(address string) bool {
	_, err := Decode(address)
	return err == nil
}

// GenerateMnemonic returns a new 24-word BIP-39 recovery phrase,
// independent of (not derived into) the ed25519 keypair it accompanies.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("address: generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("address: generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidMnemonic reports whether mnemonic is a well-formed BIP-39 phrase.
func ValidMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

func strkeyEncode(version byte, payload []byte) string {
	data := make([]byte, 0, 1+len(payload)+2)
	data = append(data, version)
	data = append(data, payload...)
	sum := crc16xmodem(data)
	data = append(data, byte(sum), byte(sum>>8))
	return b32.EncodeToString(data)
}

func strkeyDecode(wantVersion byte, s string) ([]byte, error) {
	if len(s) != AddressLen {
		return nil, fmt.Errorf("%w: must be %d chars, got %d", ErrInvalidAddress, AddressLen, len(s))
	}
	data, err := b32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidAddress)
	}
	version := data[0]
	payload := data[1 : len(data)-2]
	checksum := uint16(data[len(data)-2]) | uint16(data[len(data)-1])<<8
	if version != wantVersion {
		return nil, fmt.Errorf("%w: unexpected version byte", ErrInvalidAddress)
	}
	if crc16xmodem(data[:len(data)-2]) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	if len(payload) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected payload length %d", ErrInvalidAddress, len(payload))
	}
	return payload, nil
}

// crc16xmodem computes the CRC-16/XMODEM checksum (poly 0x1021, init 0).
func crc16xmodem(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
