// Package ledger stores finished sketches immutably. Transactions are signed
// by a wallet and addressed by their signature, so a stored transaction can
// never change under its id.
package ledger

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var (
	ErrNotConnected = errors.New("wallet is not connected")
	ErrBadSignature = errors.New("transaction signature is invalid")
	ErrNotFound     = errors.New("transaction not found")
)

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Transaction struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Tags      []Tag  `json:"tags"`
	Data      []byte `json:"data,omitempty"`
	Signature string `json:"signature"`
}

func NewTransaction(data []byte, tags []Tag) *Transaction {
	return &Transaction{
		Tags: append([]Tag(nil), tags...),
		Data: data,
	}
}

// Tag returns the value of the first tag called name.
func (tx *Transaction) Tag(name string) (string, bool) {
	for _, tag := range tx.Tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}

// HasTags reports whether every tag in want is present with the same value.
func (tx *Transaction) HasTags(want []Tag) bool {
	for _, w := range want {
		found := false
		for _, tag := range tx.Tags {
			if tag == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Digest covers owner, data and tags. Every field is length prefixed.
func (tx *Transaction) Digest() string {
	h := sha256.New()
	write := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	write([]byte(tx.Owner))
	write(tx.Data)
	for _, tag := range tx.Tags {
		write([]byte(tag.Name))
		write([]byte(tag.Value))
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// idFor derives the transaction id from its signature.
func idFor(signature string) string {
	sum := sha256.Sum256([]byte(signature))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// signatureClaims is what the wallet signs. The signature is a compact
// EdDSA JWT issued by the owner address.
type signatureClaims struct {
	Digest string `json:"digest"`
	gojwt.RegisteredClaims
}

// Address encodes a public key as a wallet address.
func Address(pub ed25519.PublicKey) string {
	return base64.RawURLEncoding.EncodeToString(pub)
}

func publicKey(address string) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(address)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad owner address %q", address)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks that the signature was made by the owner over this exact
// content and that the id matches the signature.
func (tx *Transaction) Verify() error {
	pub, err := publicKey(tx.Owner)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	claims := &signatureClaims{}
	_, err = gojwt.ParseWithClaims(
		tx.Signature,
		claims,
		func(token *gojwt.Token) (any, error) { return pub, nil },
		gojwt.WithValidMethods([]string{gojwt.SigningMethodEdDSA.Alg()}),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	if claims.Issuer != tx.Owner {
		return fmt.Errorf("%w: issuer does not match owner", ErrBadSignature)
	}
	if claims.Digest != tx.Digest() {
		return fmt.Errorf("%w: content does not match signature", ErrBadSignature)
	}
	if tx.ID != idFor(tx.Signature) {
		return fmt.Errorf("%w: id does not match signature", ErrBadSignature)
	}
	return nil
}
