package address

import "testing"

func TestGenerateProducesValidAddress(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(kp.Address) != AddressLen {
		t.Errorf("address length = %d, want %d", len(kp.Address), AddressLen)
	}
	if kp.Address[0] != 'G' {
		t.Errorf("address should start with 'G', got %q", kp.Address)
	}
	if kp.Secret[0] != 'S' {
		t.Errorf("secret seed should start with 'S', got %q", kp.Secret)
	}
	if !Valid(kp.Address) {
		t.Errorf("generated address %q failed Valid()", kp.Address)
	}
}

func TestGenerateIsUnique(t *testing.T) {
	kp1, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	kp2, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if kp1.Address == kp2.Address {
		t.Error("two successive Generate() calls produced the same address")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pub, err := Decode(kp.Address)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Error("decoded public key does not match the original")
	}
}

func TestValidRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"short",
		"this-is-not-base32-encoded-at-all-so-it-will-fail-decode",
	}
	for _, addr := range cases {
		if Valid(addr) {
			t.Errorf("Valid(%q) = true, want false", addr)
		}
	}
}

func TestValidRejectsFlippedChecksum(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	tampered := []byte(kp.Address)
	// Flip the last character, which lives inside the checksum window.
	if tampered[len(tampered)-1] == 'A' {
		tampered[len(tampered)-1] = 'B'
	} else {
		tampered[len(tampered)-1] = 'A'
	}
	if Valid(string(tampered)) {
		t.Error("Valid() accepted an address with a tampered checksum")
	}
}

func TestValidRejectsWrongVersionByte(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// A seed ('S...') should never pass address validation.
	if Valid(kp.Secret) {
		t.Error("Valid() accepted a seed-encoded string as an account address")
	}
}

func TestGenerateMnemonicIsValid(t *testing.T) {
	m, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if !ValidMnemonic(m) {
		t.Errorf("generated mnemonic failed ValidMnemonic: %q", m)
	}
}

func TestValidMnemonicRejectsGarbage(t *testing.T) {
	if ValidMnemonic("not a real mnemonic phrase at all") {
		t.Error("ValidMnemonic accepted a bogus phrase")
	}
}
