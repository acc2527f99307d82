package adminkey

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
)

// Fast parameters keep Argon2id cheap in tests.
var testParams = EncryptionParams{Memory: 1024, Iterations: 1, Parallelism: 1}

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon " +
	"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

func TestGenerateMnemonic(t *testing.T) {
	m, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	if !ValidateMnemonic(m) {
		t.Error("generated mnemonic is invalid")
	}
	if n := len(bytes.Fields([]byte(m))); n != 24 {
		t.Errorf("word count = %d, want 24", n)
	}
}

func TestSeedFromMnemonic_Invalid(t *testing.T) {
	if _, err := SeedFromMnemonic("abandon abandon", ""); !errors.Is(err, ErrInvalidMnemonic) {
		t.Errorf("error = %v, want ErrInvalidMnemonic", err)
	}
}

func TestFromMnemonic_Deterministic(t *testing.T) {
	a, _, err := FromMnemonic(testMnemonic, "", 0)
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	b, _, _ := FromMnemonic(testMnemonic, "", 0)
	c, _, _ := FromMnemonic(testMnemonic, "", 1)
	d, _, _ := FromMnemonic(testMnemonic, "other", 0)

	if a.Address != b.Address {
		t.Error("same mnemonic and index gave different addresses")
	}
	if a.Address == c.Address || a.Address == d.Address {
		t.Error("index or passphrase did not change the key")
	}
	if a.Address != a.Signer.Address() {
		t.Error("key address does not match signer")
	}
}

func TestHDKey_NeuterCannotSign(t *testing.T) {
	seed, _ := SeedFromMnemonic(testMnemonic, "")
	master, _ := NewMasterKey(seed)
	child, err := master.DeriveAdmin(0)
	if err != nil {
		t.Fatalf("DeriveAdmin: %v", err)
	}
	pub := child.Neuter()
	if pub.Address() != child.Address() {
		t.Error("neutered key has a different address")
	}
	if _, err := pub.Signer(); err == nil {
		t.Error("public key produced a signer")
	}
	if _, err := NewMasterKey(seed[:32]); err == nil {
		t.Error("short seed accepted")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	secret := []byte("seed material")
	enc, err := Encrypt(secret, []byte("pw"), testParams)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := Decrypt(enc, []byte("pw"))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Error("plaintext mismatch")
	}
	if _, err := Decrypt(enc, []byte("wrong")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("wrong password error = %v", err)
	}
	enc[len(enc)-1] ^= 1
	if _, err := Decrypt(enc, []byte("pw")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("tampered ciphertext error = %v", err)
	}
	if _, err := Decrypt(enc[:10], []byte("pw")); err == nil {
		t.Error("short input accepted")
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "admin.key")
	_, seed, err := FromMnemonic(testMnemonic, "", 2)
	if err != nil {
		t.Fatalf("FromMnemonic: %v", err)
	}
	saved, err := Save(path, seed, 2, []byte("pw"), testParams)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := Save(path, seed, 2, []byte("pw"), testParams); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second Save error = %v, want ErrKeyExists", err)
	}

	addr, err := Address(path)
	if err != nil || addr != saved.Address {
		t.Errorf("Address() = %s, %v; want %s", addr, err, saved.Address)
	}

	loaded, err := Load(path, []byte("pw"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Index != 2 || loaded.Address != saved.Address {
		t.Errorf("loaded key = %+v", loaded)
	}

	digest := crypto.Hash([]byte("admin_pause"))
	sig, err := loaded.Signer.Sign(digest[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !crypto.VerifySignature(digest[:], sig, saved.Signer.PublicKey()) {
		t.Error("signature from loaded key does not verify against saved key")
	}

	if _, err := Load(path, []byte("nope")); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("Load with wrong password error = %v", err)
	}
}
