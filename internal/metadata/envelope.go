package metadata

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/secure-systems-lab/go-securesystemslib/cjson"

	"taf/internal/logging"
)

// Signature is one signature over the signed portion of an envelope.
type Signature struct {
	KeyID string `json:"keyid"`
	Sig   string `json:"sig"` // hex
}

// Envelope is the on-disk form of a metadata file: a signed portion plus
// signatures over its canonical JSON encoding.
type Envelope struct {
	Signatures []Signature     `json:"signatures"`
	Signed     json.RawMessage `json:"signed"`
}

// Canonical returns the canonical JSON encoding of the signed portion,
// the exact bytes that signatures cover.
func (e *Envelope) Canonical() ([]byte, error) {
	var decoded interface{}
	if err := json.Unmarshal(e.Signed, &decoded); err != nil {
		return nil, fmt.Errorf("invalid signed portion: %w", err)
	}
	return cjson.EncodeCanonical(decoded)
}

// Decode unmarshals the signed portion into a role struct.
func (e *Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Signed, v)
}

// Sign wraps a role in an envelope and signs it with every signer.
func Sign(role interface{}, signers ...Signer) (*Envelope, error) {
	signed, err := json.Marshal(role)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal role: %w", err)
	}
	env := &Envelope{Signed: signed}
	if err := env.AddSignatures(signers...); err != nil {
		return nil, err
	}
	return env, nil
}

// AddSignatures signs the envelope with each signer, replacing any previous
// signature by the same key.
func (e *Envelope) AddSignatures(signers ...Signer) error {
	canonical, err := e.Canonical()
	if err != nil {
		return err
	}
	for _, signer := range signers {
		keyID, err := signer.PublicKey().ID()
		if err != nil {
			return err
		}
		sig, err := signer.Sign(canonical)
		if err != nil {
			return fmt.Errorf("signing with key %s failed: %w", keyID, err)
		}
		e.replaceSignature(Signature{KeyID: keyID, Sig: hex.EncodeToString(sig)})
		logging.Get(logging.CategoryMetadata).Debug("signed with key %s", keyID)
	}
	return nil
}

func (e *Envelope) replaceSignature(sig Signature) {
	for i, existing := range e.Signatures {
		if existing.KeyID == sig.KeyID {
			e.Signatures[i] = sig
			return
		}
	}
	e.Signatures = append(e.Signatures, sig)
}

// VerifyThreshold checks that at least roleKeys.Threshold distinct authorized
// keys produced valid signatures over the signed portion.
func (e *Envelope) VerifyThreshold(keys map[string]*Key, roleKeys *RoleKeys) error {
	canonical, err := e.Canonical()
	if err != nil {
		return err
	}
	valid := make(map[string]bool)
	for _, sig := range e.Signatures {
		key, ok := keys[sig.KeyID]
		if !ok {
			continue // Signature by a key the role does not authorize.
		}
		raw, err := hex.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if err := key.Verify(canonical, raw); err != nil {
			logging.Get(logging.CategoryMetadata).Debug(
				"signature by %s did not verify: %v", sig.KeyID, err)
			continue
		}
		valid[sig.KeyID] = true
	}
	if len(valid) < roleKeys.Threshold {
		return fmt.Errorf("threshold not met: %d valid signatures, need %d",
			len(valid), roleKeys.Threshold)
	}
	return nil
}

// Marshal serializes the envelope as indented JSON for writing to disk.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// ParseEnvelope reads an envelope from its on-disk JSON form.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid metadata envelope: %w", err)
	}
	if len(env.Signed) == 0 {
		return nil, fmt.Errorf("metadata envelope has no signed portion")
	}
	return &env, nil
}
