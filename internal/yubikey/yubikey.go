// Package yubikey signs metadata with keys held in the PIV signature slot
// of a YubiKey. Keys-description roles marked "yubikey" resolve their
// signers here instead of the keystore.
package yubikey

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/go-piv/piv-go/piv"

	"taf/internal/config"
	"taf/internal/keystore"
	"taf/internal/logging"
	"taf/internal/metadata"
)

// List returns the names of attached YubiKeys.
func List() ([]string, error) {
	cards, err := piv.Cards()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate smart cards: %w", err)
	}
	var devices []string
	for _, card := range cards {
		if strings.Contains(strings.ToLower(card), "yubikey") {
			devices = append(devices, card)
		}
	}
	return devices, nil
}

// Signer signs metadata with the PIV signature slot of one device.
type Signer struct {
	yk     *piv.YubiKey
	signer crypto.Signer
	pub    *metadata.Key
	scheme string
}

// OpenSigner opens the named device's signature slot. card may be empty to
// use the only attached device.
func OpenSigner(card, pin, scheme string) (*Signer, error) {
	log := logging.Get(logging.CategoryYubikey)
	if card == "" {
		devices, err := List()
		if err != nil {
			return nil, err
		}
		switch len(devices) {
		case 0:
			return nil, fmt.Errorf("no YubiKey found")
		case 1:
			card = devices[0]
		default:
			return nil, fmt.Errorf("%d YubiKeys attached, specify one", len(devices))
		}
	}

	yk, err := piv.Open(card)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", card, err)
	}
	cert, err := yk.Certificate(piv.SlotSignature)
	if err != nil {
		yk.Close()
		return nil, fmt.Errorf("signature slot has no certificate: %w", err)
	}
	priv, err := yk.PrivateKey(piv.SlotSignature, cert.PublicKey, piv.KeyAuth{PIN: pin})
	if err != nil {
		yk.Close()
		return nil, fmt.Errorf("failed to access signature key: %w", err)
	}
	cryptoSigner, ok := priv.(crypto.Signer)
	if !ok {
		yk.Close()
		return nil, fmt.Errorf("signature slot key does not support signing")
	}

	pub, err := metadataKey(cert.PublicKey, scheme)
	if err != nil {
		yk.Close()
		return nil, err
	}
	log.Info("using %s signature slot", card)
	return &Signer{yk: yk, signer: cryptoSigner, pub: pub, scheme: pub.Scheme}, nil
}

func metadataKey(pub crypto.PublicKey, scheme string) (*metadata.Key, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if scheme == "" || scheme == metadata.SchemeEd25519 {
			scheme = metadata.DefaultScheme
		}
		return metadata.RSAPublicKey(key, scheme), nil
	case ed25519.PublicKey:
		return metadata.Ed25519PublicKey(key), nil
	default:
		return nil, fmt.Errorf("unsupported key type %T in signature slot", pub)
	}
}

// Sign implements metadata.Signer.
func (s *Signer) Sign(data []byte) ([]byte, error) {
	switch s.scheme {
	case metadata.SchemeRSAPKCS1v15:
		digest := sha256.Sum256(data)
		return s.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	case metadata.SchemeRSAPSS:
		digest := sha256.Sum256(data)
		return s.signer.Sign(rand.Reader, digest[:],
			&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256})
	case metadata.SchemeEd25519:
		return s.signer.Sign(rand.Reader, data, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("unsupported signature scheme: %s", s.scheme)
	}
}

// PublicKey implements metadata.Signer.
func (s *Signer) PublicKey() *metadata.Key { return s.pub }

// Close releases the device.
func (s *Signer) Close() error { return s.yk.Close() }

// ExportPublicKey returns the public key of a device's signature slot.
func ExportPublicKey(card, scheme string) (*metadata.Key, error) {
	if card == "" {
		devices, err := List()
		if err != nil {
			return nil, err
		}
		if len(devices) == 0 {
			return nil, fmt.Errorf("no YubiKey found")
		}
		card = devices[0]
	}
	yk, err := piv.Open(card)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", card, err)
	}
	defer yk.Close()
	cert, err := yk.Certificate(piv.SlotSignature)
	if err != nil {
		return nil, fmt.Errorf("signature slot has no certificate: %w", err)
	}
	return metadataKey(cert.PublicKey, scheme)
}

// RoleSigners satisfies repository.HardwareSignerFunc: one signer per
// hardware key of the role, prompting for the PIN each time so multiple
// devices can be swapped in.
func RoleSigners(role string, spec *config.RoleSpec) ([]metadata.Signer, error) {
	signers := make([]metadata.Signer, 0, spec.Number)
	for i := 0; i < spec.Number; i++ {
		fmt.Printf("Insert YubiKey %d of %d for role %s and press enter.\n", i+1, spec.Number, role)
		fmt.Scanln()
		pin, err := keystore.PromptPassword(fmt.Sprintf("PIN for %s key %d", role, i+1))
		if err != nil {
			return nil, err
		}
		signer, err := OpenSigner("", pin, spec.Scheme)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, nil
}
