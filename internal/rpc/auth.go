package rpc

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-loot/internal/storage"
	"github.com/Klingon-tech/klingnet-loot/pkg/crypto"
	"github.com/Klingon-tech/klingnet-loot/pkg/types"
)

// signTag domain-separates request signatures from every other hash.
const signTag = "klingnet-loot/rpc"

var (
	ErrMissingAuth  = errors.New("request must be signed")
	ErrBadSignature = errors.New("invalid request signature")
	ErrStaleNonce   = errors.New("nonce must be greater than the last nonce used by this key")
)

var prefixNonce = []byte("rpcnonce/") // rpcnonce/<pubkey> -> last nonce (8 BE)

// Auth authenticates a signed request. Sig is a Schnorr signature over
// SigningHash(deployment, method, params without auth, nonce).
type Auth struct {
	PubKey string `json:"pubkey"`
	Nonce  uint64 `json:"nonce"`
	Sig    string `json:"sig"`
}

// Signed is embedded in param types of signed methods.
type Signed struct {
	Auth *Auth `json:"auth,omitempty"`
}

func (s *Signed) takeAuth() *Auth {
	a := s.Auth
	s.Auth = nil
	return a
}

func (s *Signed) setAuth(a *Auth) { s.Auth = a }

// Signable is implemented by pointers to param types embedding Signed.
type Signable interface {
	takeAuth() *Auth
	setAuth(*Auth)
}

// SigningHash is the digest a client signs for one request to the node
// running deployment. params must not carry an Auth.
func SigningHash(deployment, method string, params interface{}, nonce uint64) ([]byte, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h := crypto.TaggedHash(signTag, []byte(deployment), []byte(method), data, n[:])
	return h[:], nil
}

// Sign attaches an Auth for method on deployment to p.
func Sign(deployment, method string, p Signable, key *crypto.PrivateKey, nonce uint64) error {
	p.takeAuth()
	digest, err := SigningHash(deployment, method, p, nonce)
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	p.setAuth(&Auth{
		PubKey: hex.EncodeToString(key.PublicKey()),
		Nonce:  nonce,
		Sig:    hex.EncodeToString(sig),
	})
	return nil
}

// verify checks the signature on p and consumes its nonce. It returns the
// signer's address.
func verify(deployment, method string, p Signable, nonces *NonceStore) (types.Address, error) {
	a := p.takeAuth()
	if a == nil {
		return types.Address{}, ErrMissingAuth
	}
	pub, err := hex.DecodeString(a.PubKey)
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: pubkey: %v", ErrBadSignature, err)
	}
	sig, err := hex.DecodeString(a.Sig)
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: sig: %v", ErrBadSignature, err)
	}
	digest, err := SigningHash(deployment, method, p, a.Nonce)
	if err != nil {
		return types.Address{}, err
	}
	if !crypto.VerifySignature(digest, sig, pub) {
		return types.Address{}, ErrBadSignature
	}
	if err := nonces.Advance(pub, a.Nonce); err != nil {
		return types.Address{}, err
	}
	return crypto.AddressFromPubKey(pub), nil
}

// NonceStore remembers the last nonce accepted per public key.
type NonceStore struct {
	mu sync.Mutex
	db storage.DB
}

// NewNonceStore creates a nonce store over db.
func NewNonceStore(db storage.DB) *NonceStore {
	return &NonceStore{db: db}
}

// Last returns the last accepted nonce of pub, 0 if none.
func (n *NonceStore) Last(pub []byte) (uint64, error) {
	data, err := n.db.Get(nonceKey(pub))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("nonce get: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("nonce record: bad length %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// Advance records nonce for pub if it is greater than the last one.
func (n *NonceStore) Advance(pub []byte, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	last, err := n.Last(pub)
	if err != nil {
		return err
	}
	if nonce <= last {
		return fmt.Errorf("%w: got %d, last %d", ErrStaleNonce, nonce, last)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	if err := n.db.Put(nonceKey(pub), buf[:]); err != nil {
		return fmt.Errorf("nonce put: %w", err)
	}
	return nil
}

func nonceKey(pub []byte) []byte {
	key := make([]byte, 0, len(prefixNonce)+len(pub))
	key = append(key, prefixNonce...)
	return append(key, pub...)
}
