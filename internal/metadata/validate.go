package metadata

import (
	"fmt"
	"time"
)

// Set is one commit's worth of metadata: the four role envelopes, their
// decoded signed portions, and the raw file bytes (timestamp pins the
// snapshot file by hash, so the bytes matter).
type Set struct {
	RootEnv      *Envelope
	TargetsEnv   *Envelope
	SnapshotEnv  *Envelope
	TimestampEnv *Envelope

	Root      *Root
	Targets   *Targets
	Snapshot  *Snapshot
	Timestamp *Timestamp

	SnapshotRaw []byte
}

// LoadSet reads the four metadata files through the given reader, typically
// backed by a git tree at a specific commit or by the working directory.
func LoadSet(read func(name string) ([]byte, error)) (*Set, error) {
	s := &Set{}

	load := func(name string, role interface{}) (*Envelope, []byte, error) {
		data, err := read(name)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", name, err)
		}
		if err := env.Decode(role); err != nil {
			return nil, nil, fmt.Errorf("%s: invalid signed portion: %w", name, err)
		}
		return env, data, nil
	}

	var err error
	s.Root = &Root{}
	if s.RootEnv, _, err = load(RootFile, s.Root); err != nil {
		return nil, err
	}
	s.Targets = &Targets{}
	if s.TargetsEnv, _, err = load(TargetsFile, s.Targets); err != nil {
		return nil, err
	}
	s.Snapshot = &Snapshot{}
	if s.SnapshotEnv, s.SnapshotRaw, err = load(SnapshotFile, s.Snapshot); err != nil {
		return nil, err
	}
	s.Timestamp = &Timestamp{}
	if s.TimestampEnv, _, err = load(TimestampFile, s.Timestamp); err != nil {
		return nil, err
	}

	for name, got := range map[string]string{
		RootFile:      s.Root.Type,
		TargetsFile:   s.Targets.Type,
		SnapshotFile:  s.Snapshot.Type,
		TimestampFile: s.Timestamp.Type,
	} {
		want := name[:len(name)-len(".json")]
		if got != want {
			return nil, fmt.Errorf("%s: _type is %q, want %q", name, got, want)
		}
	}
	return s, nil
}

// VerifySignatures checks every role's signature thresholds. When prevRoot is
// non-nil (a root rotation boundary), the new root must additionally satisfy
// the previous root's threshold, so that a quorum of the old keys approved
// the rotation.
func (s *Set) VerifySignatures(prevRoot *Root) error {
	// Root is self-signed under its own key assignments.
	if err := s.verifyRole(s.Root, TypeRoot, s.RootEnv); err != nil {
		return err
	}
	if prevRoot != nil {
		keys, roleKeys, err := prevRoot.RoleKeySet(TypeRoot)
		if err != nil {
			return err
		}
		if err := s.RootEnv.VerifyThreshold(keys, roleKeys); err != nil {
			return fmt.Errorf("root not approved by previous root keys: %w", err)
		}
	}

	if err := s.verifyRole(s.Root, TypeTargets, s.TargetsEnv); err != nil {
		return err
	}
	if err := s.verifyRole(s.Root, TypeSnapshot, s.SnapshotEnv); err != nil {
		return err
	}
	return s.verifyRole(s.Root, TypeTimestamp, s.TimestampEnv)
}

func (s *Set) verifyRole(root *Root, role string, env *Envelope) error {
	keys, roleKeys, err := root.RoleKeySet(role)
	if err != nil {
		return err
	}
	if err := env.VerifyThreshold(keys, roleKeys); err != nil {
		return fmt.Errorf("%s: %w", role, err)
	}
	return nil
}

// VerifyConsistency checks the cross-references between roles: snapshot must
// record the actual root and targets versions, timestamp must pin the actual
// snapshot file.
func (s *Set) VerifyConsistency() error {
	rootMeta, ok := s.Snapshot.Meta[RootFile]
	if !ok || rootMeta.Version != s.Root.Version {
		return fmt.Errorf("snapshot does not record root version %d", s.Root.Version)
	}
	targetsMeta, ok := s.Snapshot.Meta[TargetsFile]
	if !ok || targetsMeta.Version != s.Targets.Version {
		return fmt.Errorf("snapshot does not record targets version %d", s.Targets.Version)
	}

	snapMeta, ok := s.Timestamp.Meta[SnapshotFile]
	if !ok {
		return fmt.Errorf("timestamp does not reference snapshot")
	}
	if snapMeta.Version != s.Snapshot.Version {
		return fmt.Errorf("timestamp records snapshot version %d, actual is %d",
			snapMeta.Version, s.Snapshot.Version)
	}
	if snapMeta.Length != 0 && snapMeta.Length != int64(len(s.SnapshotRaw)) {
		return fmt.Errorf("timestamp snapshot length mismatch")
	}
	for alg, want := range snapMeta.Hashes {
		got, err := hashWith(alg, s.SnapshotRaw)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("timestamp snapshot %s hash mismatch", alg)
		}
	}
	return nil
}

// VerifyVersions checks version monotonicity against the previous commit's
// set. Root may advance by at most one per commit; the other roles may only
// move forward.
func (s *Set) VerifyVersions(prev *Set) error {
	if prev == nil {
		return nil
	}
	if s.Root.Version != prev.Root.Version && s.Root.Version != prev.Root.Version+1 {
		return fmt.Errorf("root version moved from %d to %d; rotations must advance one version per commit",
			prev.Root.Version, s.Root.Version)
	}
	checks := []struct {
		name       string
		prev, curr int
	}{
		{TypeTargets, prev.Targets.Version, s.Targets.Version},
		{TypeSnapshot, prev.Snapshot.Version, s.Snapshot.Version},
		{TypeTimestamp, prev.Timestamp.Version, s.Timestamp.Version},
	}
	for _, c := range checks {
		if c.curr < c.prev {
			return fmt.Errorf("%s version regressed from %d to %d", c.name, c.prev, c.curr)
		}
	}
	return nil
}

// VerifyExpiry checks that no role is expired at the given time. Applied to
// the head of a repository only; historical commits legitimately carry
// expired metadata.
func (s *Set) VerifyExpiry(now time.Time) error {
	for name, common := range map[string]*Common{
		TypeRoot:      &s.Root.Common,
		TypeTargets:   &s.Targets.Common,
		TypeSnapshot:  &s.Snapshot.Common,
		TypeTimestamp: &s.Timestamp.Common,
	} {
		if common.Expired(now) {
			return fmt.Errorf("%s metadata expired at %s", name, common.Expires)
		}
	}
	return nil
}

// RootRotated reports whether the root key assignments changed versus prev.
func (s *Set) RootRotated(prev *Set) bool {
	if prev == nil {
		return false
	}
	return s.Root.Version != prev.Root.Version
}
