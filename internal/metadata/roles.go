package metadata

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SpecVersion is the metadata format version written into every role.
const SpecVersion = "1.0"

// Role type names as written into the _type field.
const (
	TypeRoot      = "root"
	TypeTargets   = "targets"
	TypeSnapshot  = "snapshot"
	TypeTimestamp = "timestamp"
)

// Metadata file names under the metadata/ directory.
const (
	RootFile      = "root.json"
	TargetsFile   = "targets.json"
	SnapshotFile  = "snapshot.json"
	TimestampFile = "timestamp.json"
)

// TopLevelRoles lists the four roles in signing order: targets before
// snapshot before timestamp, root first.
var TopLevelRoles = []string{TypeRoot, TypeTargets, TypeSnapshot, TypeTimestamp}

// expiresFormat is the UTC timestamp layout used in the expires field.
const expiresFormat = "2006-01-02T15:04:05Z"

// Common carries the fields shared by all roles.
type Common struct {
	Type        string `json:"_type"`
	SpecVersion string `json:"spec_version"`
	Version     int    `json:"version"`
	Expires     string `json:"expires"`
}

func newCommon(typ string, expires time.Time) Common {
	return Common{
		Type:        typ,
		SpecVersion: SpecVersion,
		Version:     1,
		Expires:     expires.UTC().Format(expiresFormat),
	}
}

// ExpiresAt parses the expires field.
func (c *Common) ExpiresAt() (time.Time, error) {
	t, err := time.Parse(expiresFormat, c.Expires)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid expires timestamp %q: %w", c.Expires, err)
	}
	return t, nil
}

// Expired reports whether the role is expired at the given time.
func (c *Common) Expired(now time.Time) bool {
	t, err := c.ExpiresAt()
	if err != nil {
		return true
	}
	return !now.Before(t)
}

// Bump increments the version and pushes the expiration out by the interval.
func (c *Common) Bump(interval time.Duration) {
	c.Version++
	c.Expires = time.Now().Add(interval).UTC().Format(expiresFormat)
}

// RoleKeys lists the keyids authorized for a role and the signature threshold.
type RoleKeys struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// Root is the root role: the key registry and role key assignments.
type Root struct {
	Common
	ConsistentSnapshot bool                 `json:"consistent_snapshot"`
	Keys               map[string]*Key      `json:"keys"`
	Roles              map[string]*RoleKeys `json:"roles"`
}

// NewRoot creates empty root metadata with the given expiration.
func NewRoot(expires time.Time) *Root {
	return &Root{
		Common: newCommon(TypeRoot, expires),
		Keys:   make(map[string]*Key),
		Roles:  make(map[string]*RoleKeys),
	}
}

// AddRoleKey registers a key and authorizes it for a role.
func (r *Root) AddRoleKey(role string, key *Key) error {
	id, err := key.ID()
	if err != nil {
		return err
	}
	r.Keys[id] = key
	rk, ok := r.Roles[role]
	if !ok {
		rk = &RoleKeys{Threshold: 1}
		r.Roles[role] = rk
	}
	for _, existing := range rk.KeyIDs {
		if existing == id {
			return nil
		}
	}
	rk.KeyIDs = append(rk.KeyIDs, id)
	return nil
}

// SetThreshold sets the signature threshold of a role.
func (r *Root) SetThreshold(role string, threshold int) error {
	rk, ok := r.Roles[role]
	if !ok {
		return fmt.Errorf("role %s has no keys registered", role)
	}
	if threshold < 1 || threshold > len(rk.KeyIDs) {
		return fmt.Errorf("role %s: invalid threshold %d for %d keys",
			role, threshold, len(rk.KeyIDs))
	}
	rk.Threshold = threshold
	return nil
}

// RoleKeySet resolves the authorized keys of a role.
func (r *Root) RoleKeySet(role string) (map[string]*Key, *RoleKeys, error) {
	rk, ok := r.Roles[role]
	if !ok {
		return nil, nil, fmt.Errorf("role %s not defined in root metadata", role)
	}
	keys := make(map[string]*Key, len(rk.KeyIDs))
	for _, id := range rk.KeyIDs {
		key, ok := r.Keys[id]
		if !ok {
			return nil, nil, fmt.Errorf("role %s references unknown keyid %s", role, id)
		}
		keys[id] = key
	}
	return keys, rk, nil
}

// TargetMeta describes one target file.
type TargetMeta struct {
	Length int64             `json:"length"`
	Hashes map[string]string `json:"hashes"`
	Custom json.RawMessage   `json:"custom,omitempty"`
}

// Targets is the targets role: the registry of target files.
type Targets struct {
	Common
	Targets map[string]*TargetMeta `json:"targets"`
}

// NewTargets creates empty targets metadata.
func NewTargets(expires time.Time) *Targets {
	return &Targets{
		Common:  newCommon(TypeTargets, expires),
		Targets: make(map[string]*TargetMeta),
	}
}

// AddTarget records a target file's length and hashes. path is relative to
// the targets/ directory, with forward slashes.
func (t *Targets) AddTarget(path string, data []byte, custom json.RawMessage) {
	t.Targets[path] = &TargetMeta{
		Length: int64(len(data)),
		Hashes: hashTarget(data),
		Custom: custom,
	}
}

// RemoveTarget drops a target file entry. Returns false if absent.
func (t *Targets) RemoveTarget(path string) bool {
	if _, ok := t.Targets[path]; !ok {
		return false
	}
	delete(t.Targets, path)
	return true
}

// VerifyTarget checks data against the recorded length and hashes of path.
func (t *Targets) VerifyTarget(path string, data []byte) error {
	meta, ok := t.Targets[path]
	if !ok {
		return fmt.Errorf("target file %s not found in targets metadata", path)
	}
	if meta.Length != int64(len(data)) {
		return fmt.Errorf("target file %s: length mismatch (want %d, got %d)",
			path, meta.Length, len(data))
	}
	for alg, want := range meta.Hashes {
		got, err := hashWith(alg, data)
		if err != nil {
			return fmt.Errorf("target file %s: %w", path, err)
		}
		if got != want {
			return fmt.Errorf("target file %s: %s hash mismatch", path, alg)
		}
	}
	return nil
}

func hashTarget(data []byte) map[string]string {
	s256 := sha256.Sum256(data)
	s512 := sha512.Sum512(data)
	return map[string]string{
		"sha256": hex.EncodeToString(s256[:]),
		"sha512": hex.EncodeToString(s512[:]),
	}
}

func hashWith(alg string, data []byte) (string, error) {
	switch alg {
	case "sha256":
		d := sha256.Sum256(data)
		return hex.EncodeToString(d[:]), nil
	case "sha512":
		d := sha512.Sum512(data)
		return hex.EncodeToString(d[:]), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm %s", alg)
	}
}

// FileMeta describes a metadata file referenced from snapshot or timestamp.
type FileMeta struct {
	Version int               `json:"version"`
	Length  int64             `json:"length,omitempty"`
	Hashes  map[string]string `json:"hashes,omitempty"`
}

// Snapshot is the snapshot role: the version registry of root and targets.
type Snapshot struct {
	Common
	Meta map[string]*FileMeta `json:"meta"`
}

// NewSnapshot creates snapshot metadata for version-1 root and targets.
func NewSnapshot(expires time.Time) *Snapshot {
	return &Snapshot{
		Common: newCommon(TypeSnapshot, expires),
		Meta: map[string]*FileMeta{
			RootFile:    {Version: 1},
			TargetsFile: {Version: 1},
		},
	}
}

// Update records the current root and targets versions.
func (s *Snapshot) Update(rootVersion, targetsVersion int) {
	s.Meta[RootFile] = &FileMeta{Version: rootVersion}
	s.Meta[TargetsFile] = &FileMeta{Version: targetsVersion}
}

// Timestamp is the timestamp role: it pins the current snapshot file.
type Timestamp struct {
	Common
	Meta map[string]*FileMeta `json:"meta"`
}

// NewTimestamp creates timestamp metadata; call Update before signing.
func NewTimestamp(expires time.Time) *Timestamp {
	return &Timestamp{
		Common: newCommon(TypeTimestamp, expires),
		Meta:   make(map[string]*FileMeta),
	}
}

// Update records the snapshot file's version, length and hashes.
// snapshotData is the serialized snapshot.json as written to disk.
func (t *Timestamp) Update(snapshotVersion int, snapshotData []byte) {
	t.Meta[SnapshotFile] = &FileMeta{
		Version: snapshotVersion,
		Length:  int64(len(snapshotData)),
		Hashes:  hashTarget(snapshotData),
	}
}
