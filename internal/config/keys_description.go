package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// MetadataRoles are the four top-level roles of an authentication repository.
var MetadataRoles = []string{"root", "targets", "snapshot", "timestamp"}

// KeysDescription describes the signing keys of an authentication repository:
// how many keys each role has, their thresholds, lengths, optional passwords
// and whether the keys live on YubiKeys or in keystore files.
type KeysDescription struct {
	Roles    map[string]*RoleSpec `json:"roles"`
	Keystore string               `json:"keystore,omitempty"`
}

// RoleSpec describes the keys of a single role.
type RoleSpec struct {
	Number    int      `json:"number,omitempty"`
	Length    int      `json:"length,omitempty"`
	Passwords []string `json:"passwords,omitempty"`
	Threshold int      `json:"threshold,omitempty"`
	Yubikey   bool     `json:"yubikey,omitempty"`
	Scheme    string   `json:"scheme,omitempty"`
}

// DefaultKeysDescription returns one keystore key per role, threshold 1.
func DefaultKeysDescription(scheme string) *KeysDescription {
	kd := &KeysDescription{Roles: make(map[string]*RoleSpec)}
	for _, role := range MetadataRoles {
		kd.Roles[role] = &RoleSpec{Number: 1, Threshold: 1, Length: 2048, Scheme: scheme}
	}
	return kd
}

// ParseKeysDescription parses a keys description given either directly as a
// JSON string or as a path to a JSON file. An empty input yields the default
// description. Missing roles and fields are filled with defaults.
func ParseKeysDescription(input, defaultScheme string) (*KeysDescription, error) {
	if input == "" {
		return DefaultKeysDescription(defaultScheme), nil
	}

	data := []byte(input)
	if info, err := os.Stat(input); err == nil && !info.IsDir() {
		data, err = os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("failed to read keys description file: %w", err)
		}
	}

	var kd KeysDescription
	if err := json.Unmarshal(data, &kd); err != nil {
		return nil, fmt.Errorf("invalid keys description: %w", err)
	}
	if kd.Roles == nil {
		kd.Roles = make(map[string]*RoleSpec)
	}
	kd.applyDefaults(defaultScheme)
	if err := kd.Validate(); err != nil {
		return nil, err
	}
	return &kd, nil
}

// applyDefaults fills missing roles and zero-valued fields.
func (kd *KeysDescription) applyDefaults(defaultScheme string) {
	for _, role := range MetadataRoles {
		spec, ok := kd.Roles[role]
		if !ok || spec == nil {
			spec = &RoleSpec{}
			kd.Roles[role] = spec
		}
		if spec.Number == 0 {
			spec.Number = 1
		}
		if spec.Threshold == 0 {
			spec.Threshold = 1
		}
		if spec.Length == 0 {
			spec.Length = 2048
		}
		if spec.Scheme == "" {
			spec.Scheme = defaultScheme
		}
	}
}

// Validate checks role names and threshold consistency.
func (kd *KeysDescription) Validate() error {
	known := make(map[string]bool, len(MetadataRoles))
	for _, role := range MetadataRoles {
		known[role] = true
	}
	for role, spec := range kd.Roles {
		if !known[role] {
			return fmt.Errorf("unknown role in keys description: %s", role)
		}
		if spec.Threshold > spec.Number {
			return fmt.Errorf("role %s: threshold %d exceeds number of keys %d",
				role, spec.Threshold, spec.Number)
		}
		if len(spec.Passwords) > 0 && len(spec.Passwords) != spec.Number {
			return fmt.Errorf("role %s: %d passwords for %d keys",
				role, len(spec.Passwords), spec.Number)
		}
		switch spec.Scheme {
		case "rsa-pkcs1v15-sha256", "rsassa-pss-sha256", "ed25519":
		default:
			return fmt.Errorf("role %s: unknown signature scheme %s", role, spec.Scheme)
		}
	}
	return nil
}

// Password returns the password for the i-th key of a role, or "" when the
// description carries no passwords.
func (s *RoleSpec) Password(i int) string {
	if i < len(s.Passwords) {
		return s.Passwords[i]
	}
	return ""
}
