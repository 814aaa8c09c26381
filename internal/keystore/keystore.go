// Package keystore manages signing key files on disk. Private keys are
// PKCS#8 PEM, encrypted with age (scrypt passphrase) when a password is set;
// public keys live next to them in <name>.pub.
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"filippo.io/age"

	"taf/internal/config"
	"taf/internal/logging"
	"taf/internal/metadata"
)

const ageHeader = "age-encryption.org/v1"

// ErrPassphraseRequired is returned when a key file is encrypted and no
// password was supplied.
var ErrPassphraseRequired = fmt.Errorf("key file is encrypted, passphrase required")

// KeyFileName returns the keystore file name for the i-th key of a role.
// Single-key roles use the bare role name; multi-key roles are numbered
// from 1 (root1, root2, ...).
func KeyFileName(role string, i, total int) string {
	if total <= 1 {
		return role
	}
	return role + strconv.Itoa(i+1)
}

// GenerateRoleKeys generates the key files of every role in the description
// and returns signers keyed by role, in key order. Roles marked yubikey are
// skipped; their signers come from the yubikey package.
func GenerateRoleKeys(dir string, kd *config.KeysDescription) (map[string][]metadata.Signer, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	log := logging.Get(logging.CategoryKeystore)
	signers := make(map[string][]metadata.Signer)
	for _, role := range config.MetadataRoles {
		spec := kd.Roles[role]
		if spec.Yubikey {
			continue
		}
		for i := 0; i < spec.Number; i++ {
			name := KeyFileName(role, i, spec.Number)
			signer, err := Generate(dir, name, spec.Scheme, spec.Length, spec.Password(i))
			if err != nil {
				return nil, fmt.Errorf("role %s: %w", role, err)
			}
			log.Info("generated %s key %s", spec.Scheme, filepath.Join(dir, name))
			signers[role] = append(signers[role], signer)
		}
	}
	return signers, nil
}

// Generate creates one key pair under dir/name and returns its signer.
// An existing key file is reused rather than overwritten.
func Generate(dir, name, scheme string, length int, password string) (metadata.Signer, error) {
	privPath := filepath.Join(dir, name)
	if _, err := os.Stat(privPath); err == nil {
		logging.Get(logging.CategoryKeystore).Debug("reusing existing key %s", privPath)
		return LoadSigner(dir, name, scheme, password)
	}

	signer, err := metadata.GenerateSigner(scheme, length)
	if err != nil {
		return nil, err
	}
	if err := save(privPath, signer, password); err != nil {
		return nil, err
	}
	return signer, nil
}

func save(privPath string, signer metadata.Signer, password string) error {
	der, err := marshalPrivate(signer)
	if err != nil {
		return err
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	out := pemData
	if password != "" {
		out, err = encrypt(pemData, password)
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(privPath, out, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	pubPEM := []byte(signer.PublicKey().Val.Public)
	if signer.PublicKey().Type == "ed25519" {
		// Store ed25519 public keys as PEM too, for uniform .pub files.
		pub, err := publicFromSigner(signer)
		if err != nil {
			return err
		}
		pubDER, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return fmt.Errorf("failed to marshal public key: %w", err)
		}
		pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	}
	if err := os.WriteFile(privPath+".pub", pubPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

func marshalPrivate(signer metadata.Signer) ([]byte, error) {
	switch s := signer.(type) {
	case *metadata.RSASigner:
		return x509.MarshalPKCS8PrivateKey(s.Private)
	case *metadata.Ed25519Signer:
		return x509.MarshalPKCS8PrivateKey(s.Private)
	default:
		return nil, fmt.Errorf("unsupported signer type %T", signer)
	}
}

func publicFromSigner(signer metadata.Signer) (interface{}, error) {
	switch s := signer.(type) {
	case *metadata.RSASigner:
		return &s.Private.PublicKey, nil
	case *metadata.Ed25519Signer:
		return s.Private.Public(), nil
	default:
		return nil, fmt.Errorf("unsupported signer type %T", signer)
	}
}

// LoadSigner loads a private key file and wraps it for the given scheme.
// password may be empty for unencrypted keys; ErrPassphraseRequired is
// returned when it is needed.
func LoadSigner(dir, name, scheme, password string) (metadata.Signer, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	if IsEncrypted(data) {
		if password == "" {
			return nil, ErrPassphraseRequired
		}
		data, err = decrypt(data, password)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt key %s: %w", name, err)
		}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("key file %s is not PEM", name)
	}
	priv, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key %s: %w", name, err)
	}

	switch key := priv.(type) {
	case *rsa.PrivateKey:
		if scheme == "" {
			scheme = metadata.DefaultScheme
		}
		return metadata.NewRSASigner(key, scheme)
	case ed25519.PrivateKey:
		return &metadata.Ed25519Signer{Private: key}, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", priv)
	}
}

// LoadPublicKey reads a .pub file (or a bare key file name) and returns the
// metadata key for the given scheme.
func LoadPublicKey(path, scheme string) (*metadata.Key, error) {
	if !strings.HasSuffix(path, ".pub") {
		path += ".pub"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("public key file %s is not PEM", path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if scheme == "" {
			scheme = metadata.DefaultScheme
		}
		return metadata.RSAPublicKey(key, scheme), nil
	case ed25519.PublicKey:
		return metadata.Ed25519PublicKey(key), nil
	default:
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}
}

// IsEncrypted reports whether key file bytes are an age ciphertext.
func IsEncrypted(data []byte) bool {
	return bytes.HasPrefix(data, []byte(ageHeader))
}

func encrypt(plaintext []byte, password string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to start encryption: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decrypt(ciphertext []byte, password string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
