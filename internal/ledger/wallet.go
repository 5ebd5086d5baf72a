package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/glog"
	gojwt "github.com/golang-jwt/jwt/v5"
)

// Wallet signs transactions on behalf of one address.
type Wallet interface {
	Connect(ctx context.Context) error
	ActiveAddress() (string, error)
	Sign(tx *Transaction) error
}

const keyBlockType = "PRIVATE KEY"

// KeyWallet keeps an ed25519 key in a PEM file. Connect creates the file
// when it does not exist yet.
type KeyWallet struct {
	path string

	mu  sync.Mutex
	key ed25519.PrivateKey
}

var _ Wallet = (*KeyWallet)(nil)

func NewKeyWallet(path string) *KeyWallet {
	return &KeyWallet{path: path}
}

func (w *KeyWallet) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.key != nil {
		return nil
	}

	raw, err := os.ReadFile(w.path)
	if errors.Is(err, fs.ErrNotExist) {
		key, err := w.create()
		if err != nil {
			return err
		}
		w.key = key
		glog.Infof("[ledger]created wallet %s", w.path)
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to read wallet %s: %w", w.path, err)
	}

	block, _ := pem.Decode(raw)
	if block == nil || block.Type != keyBlockType {
		return fmt.Errorf("wallet %s is not a PEM private key", w.path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse wallet %s: %w", w.path, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return fmt.Errorf("wallet %s does not hold an ed25519 key", w.path)
	}
	w.key = key
	return nil
}

func (w *KeyWallet) create() (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate wallet key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wallet key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create wallet dir: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: keyBlockType, Bytes: der})
	if err := os.WriteFile(w.path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write wallet %s: %w", w.path, err)
	}
	return key, nil
}

func (w *KeyWallet) ActiveAddress() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.key == nil {
		return "", ErrNotConnected
	}
	return Address(w.key.Public().(ed25519.PublicKey)), nil
}

// Sign sets the owner, signature and id of tx.
func (w *KeyWallet) Sign(tx *Transaction) error {
	w.mu.Lock()
	key := w.key
	w.mu.Unlock()
	if key == nil {
		return ErrNotConnected
	}

	tx.Owner = Address(key.Public().(ed25519.PublicKey))
	claims := &signatureClaims{
		Digest: tx.Digest(),
		RegisteredClaims: gojwt.RegisteredClaims{
			Issuer:   tx.Owner,
			IssuedAt: gojwt.NewNumericDate(time.Now()),
		},
	}
	signature, err := gojwt.NewWithClaims(gojwt.SigningMethodEdDSA, claims).SignedString(key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	tx.Signature = signature
	tx.ID = idFor(signature)
	return nil
}
