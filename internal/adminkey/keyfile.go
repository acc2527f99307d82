package adminkey

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

const keyfileVersion = 1

var ErrKeyExists = errors.New("key file already exists")

// keyfile is the on-disk JSON form of an encrypted administrator key.
type keyfile struct {
	Version       int           `json:"version"`
	CreatedAt     time.Time     `json:"created_at"`
	Index         uint32        `json:"index"`
	Address       types.Address `json:"address"`
	EncryptedSeed []byte        `json:"encrypted_seed"`
}

// Key is an unlocked administrator key.
type Key struct {
	Index   uint32
	Address types.Address
	Signer  *crypto.PrivateKey
}

// FromMnemonic derives the administrator key at index.
func FromMnemonic(mnemonic, passphrase string, index uint32) (*Key, []byte, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, nil, err
	}
	key, err := fromSeed(seed, index)
	if err != nil {
		return nil, nil, err
	}
	return key, seed, nil
}

func fromSeed(seed []byte, index uint32) (*Key, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	child, err := master.DeriveAdmin(index)
	if err != nil {
		return nil, err
	}
	signer, err := child.Signer()
	if err != nil {
		return nil, err
	}
	return &Key{Index: index, Address: child.Address(), Signer: signer}, nil
}

// Save encrypts seed under password and writes the key file at path.
// Existing files are never overwritten.
func Save(path string, seed []byte, index uint32, password []byte, params EncryptionParams) (*Key, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, path)
	}
	key, err := fromSeed(seed, index)
	if err != nil {
		return nil, err
	}
	enc, err := Encrypt(seed, password, params)
	if err != nil {
		return nil, fmt.Errorf("encrypt seed: %w", err)
	}
	data, err := json.MarshalIndent(&keyfile{
		Version:       keyfileVersion,
		CreatedAt:     time.Now().UTC(),
		Index:         index,
		Address:       key.Address,
		EncryptedSeed: enc,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}

// Load decrypts the key file at path.
func Load(path string, password []byte) (*Key, error) {
	kf, err := readKeyfile(path)
	if err != nil {
		return nil, err
	}
	seed, err := Decrypt(kf.EncryptedSeed, password)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	key, err := fromSeed(seed, kf.Index)
	if err != nil {
		return nil, err
	}
	if key.Address != kf.Address {
		return nil, fmt.Errorf("key file %s: derived address %s does not match %s", path, key.Address, kf.Address)
	}
	return key, nil
}

// Address reads the public address of a key file without decrypting it.
func Address(path string) (types.Address, error) {
	kf, err := readKeyfile(path)
	if err != nil {
		return types.Address{}, err
	}
	return kf.Address, nil
}

func readKeyfile(path string) (*keyfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != keyfileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", kf.Version)
	}
	return &kf, nil
}
