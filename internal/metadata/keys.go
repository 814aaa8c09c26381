// Package metadata implements the signed metadata of an authentication
// repository: the root, targets, snapshot and timestamp roles, their key
// management, and validation of metadata sets across commits.
package metadata

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

// Signature schemes supported for metadata signing.
const (
	SchemeRSAPKCS1v15 = "rsa-pkcs1v15-sha256"
	SchemeRSAPSS      = "rsassa-pss-sha256"
	SchemeEd25519     = "ed25519"
)

// DefaultScheme is used when a keys description does not name one.
const DefaultScheme = SchemeRSAPKCS1v15

// KeyVal holds the public portion of a key.
type KeyVal struct {
	Public string `json:"public"`
}

// Key is a public key as embedded in root metadata.
type Key struct {
	Type   string `json:"keytype"`
	Scheme string `json:"scheme"`
	Val    KeyVal `json:"keyval"`

	id string // cached keyid
}

// ID returns the keyid: the hex sha256 of the canonical JSON encoding of the
// public key object.
func (k *Key) ID() (string, error) {
	if k.id != "" {
		return k.id, nil
	}
	canonical, err := cjson.EncodeCanonical(struct {
		Type   string `json:"keytype"`
		Scheme string `json:"scheme"`
		Val    KeyVal `json:"keyval"`
	}{k.Type, k.Scheme, k.Val})
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize key: %w", err)
	}
	digest := sha256.Sum256(canonical)
	k.id = hex.EncodeToString(digest[:])
	return k.id, nil
}

// Verify checks sig over data under this key's scheme.
func (k *Key) Verify(data, sig []byte) error {
	switch k.Scheme {
	case SchemeRSAPKCS1v15, SchemeRSAPSS:
		pub, err := parseRSAPublic(k.Val.Public)
		if err != nil {
			return err
		}
		digest := sha256.Sum256(data)
		if k.Scheme == SchemeRSAPKCS1v15 {
			return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
		}
		return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig,
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	case SchemeEd25519:
		raw, err := hex.DecodeString(k.Val.Public)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid ed25519 public key")
		}
		if !ed25519.Verify(ed25519.PublicKey(raw), data, sig) {
			return fmt.Errorf("ed25519 signature verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported signature scheme: %s", k.Scheme)
	}
}

func parseRSAPublic(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

// Signer produces signatures for metadata. Implementations back it with
// keystore files or hardware keys.
type Signer interface {
	// Sign signs the canonical form of the signed portion.
	Sign(data []byte) ([]byte, error)
	// PublicKey returns the key as it appears in root metadata.
	PublicKey() *Key
}

// RSASigner signs with an in-memory RSA private key.
type RSASigner struct {
	Private *rsa.PrivateKey
	Scheme  string
}

// NewRSASigner wraps an RSA private key for the given scheme.
func NewRSASigner(priv *rsa.PrivateKey, scheme string) (*RSASigner, error) {
	if scheme != SchemeRSAPKCS1v15 && scheme != SchemeRSAPSS {
		return nil, fmt.Errorf("scheme %s is not an RSA scheme", scheme)
	}
	return &RSASigner{Private: priv, Scheme: scheme}, nil
}

// Sign implements Signer.
func (s *RSASigner) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	if s.Scheme == SchemeRSAPSS {
		return rsa.SignPSS(rand.Reader, s.Private, crypto.SHA256, digest[:],
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	}
	return rsa.SignPKCS1v15(rand.Reader, s.Private, crypto.SHA256, digest[:])
}

// PublicKey implements Signer.
func (s *RSASigner) PublicKey() *Key {
	return RSAPublicKey(&s.Private.PublicKey, s.Scheme)
}

// RSAPublicKey builds the metadata key for an RSA public key.
func RSAPublicKey(pub *rsa.PublicKey, scheme string) *Key {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		// Marshaling a valid in-memory RSA key cannot fail.
		panic(fmt.Sprintf("marshal RSA public key: %v", err))
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &Key{Type: "rsa", Scheme: scheme, Val: KeyVal{Public: string(pemData)}}
}

// Ed25519Signer signs with an in-memory ed25519 private key.
type Ed25519Signer struct {
	Private ed25519.PrivateKey
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.Private, data), nil
}

// PublicKey implements Signer.
func (s *Ed25519Signer) PublicKey() *Key {
	return Ed25519PublicKey(s.Private.Public().(ed25519.PublicKey))
}

// Ed25519PublicKey builds the metadata key for an ed25519 public key.
func Ed25519PublicKey(pub ed25519.PublicKey) *Key {
	return &Key{
		Type:   "ed25519",
		Scheme: SchemeEd25519,
		Val:    KeyVal{Public: hex.EncodeToString(pub)},
	}
}

// GenerateSigner generates a fresh key pair for a scheme. length applies to
// RSA schemes only.
func GenerateSigner(scheme string, length int) (Signer, error) {
	switch scheme {
	case SchemeRSAPKCS1v15, SchemeRSAPSS:
		if length == 0 {
			length = 2048
		}
		priv, err := rsa.GenerateKey(rand.Reader, length)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return &RSASigner{Private: priv, Scheme: scheme}, nil
	case SchemeEd25519:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
		}
		return &Ed25519Signer{Private: priv}, nil
	default:
		return nil, fmt.Errorf("unsupported signature scheme: %s", scheme)
	}
}
