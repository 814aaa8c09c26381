package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseKeysDescription_Empty(t *testing.T) {
	kd, err := ParseKeysDescription("", "ed25519")
	if err != nil {
		t.Fatalf("ParseKeysDescription failed: %v", err)
	}
	for _, role := range MetadataRoles {
		spec, ok := kd.Roles[role]
		if !ok {
			t.Fatalf("missing role %s", role)
		}
		if spec.Number != 1 || spec.Threshold != 1 {
			t.Errorf("role %s: expected 1 key threshold 1, got %d/%d",
				role, spec.Number, spec.Threshold)
		}
		if spec.Scheme != "ed25519" {
			t.Errorf("role %s: expected scheme ed25519, got %s", role, spec.Scheme)
		}
	}
}

func TestParseKeysDescription_Inline(t *testing.T) {
	input := `{"roles": {"root": {"number": 3, "threshold": 2}, "targets": {"scheme": "ed25519"}}}`
	kd, err := ParseKeysDescription(input, "rsa-pkcs1v15-sha256")
	if err != nil {
		t.Fatalf("ParseKeysDescription failed: %v", err)
	}
	root := kd.Roles["root"]
	if root.Number != 3 || root.Threshold != 2 {
		t.Errorf("expected root 3 keys threshold 2, got %d/%d", root.Number, root.Threshold)
	}
	if root.Scheme != "rsa-pkcs1v15-sha256" {
		t.Errorf("expected default scheme for root, got %s", root.Scheme)
	}
	if kd.Roles["targets"].Scheme != "ed25519" {
		t.Errorf("expected explicit scheme for targets, got %s", kd.Roles["targets"].Scheme)
	}
	// Roles not mentioned still get defaults.
	if kd.Roles["timestamp"].Number != 1 {
		t.Errorf("expected default timestamp spec, got %+v", kd.Roles["timestamp"])
	}
}

func TestParseKeysDescription_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	content := `{"roles": {"snapshot": {"length": 3072}}, "keystore": "/tmp/keys"}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	kd, err := ParseKeysDescription(path, "rsa-pkcs1v15-sha256")
	if err != nil {
		t.Fatalf("ParseKeysDescription failed: %v", err)
	}
	if kd.Roles["snapshot"].Length != 3072 {
		t.Errorf("expected length 3072, got %d", kd.Roles["snapshot"].Length)
	}
	if kd.Keystore != "/tmp/keys" {
		t.Errorf("expected keystore /tmp/keys, got %s", kd.Keystore)
	}
}

func TestParseKeysDescription_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"unknown role", `{"roles": {"delegation": {}}}`},
		{"threshold over number", `{"roles": {"root": {"number": 1, "threshold": 2}}}`},
		{"password count mismatch", `{"roles": {"root": {"number": 2, "passwords": ["x"]}}}`},
		{"unknown scheme", `{"roles": {"root": {"scheme": "dsa"}}}`},
		{"bad json", `{"roles": `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseKeysDescription(tc.input, "ed25519"); err == nil {
				t.Errorf("expected error for %q", tc.input)
			}
		})
	}
}

func TestRoleSpec_Password(t *testing.T) {
	spec := &RoleSpec{Number: 2, Passwords: []string{"first", "second"}}
	if got := spec.Password(1); got != "second" {
		t.Errorf("expected second, got %s", got)
	}
	bare := &RoleSpec{Number: 2}
	if got := bare.Password(0); got != "" {
		t.Errorf("expected empty password, got %s", got)
	}
}
