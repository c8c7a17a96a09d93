package domain

import (
	"encoding/base64"
	"fmt"
	"time"
)

// KeyRecord is the single on-disk document backing the encryption key
// rotation subsystem (§3.2, §6.3). It is marshalled as JSON by keystore.Store.
//
// Invariants, enforced by Validate (used on both load and save, §4.6):
//   - K1: PhasedOutKey and PhasedOutVersion are either both set or both empty.
//   - K2: if set, CurrentVersion != PhasedOutVersion.
//   - K3: versions are single letters 'A'..'Z'.
//   - K4: PhasedOutKey present means a rotation is in progress and must be
//     resumed before any new rotation starts (see rotation.Service).
type KeyRecord struct {
	CurrentKey             string `json:"current_key"`
	CurrentVersion         string `json:"current_version"`
	PhasedOutKey           string `json:"phased_out_key,omitempty"`
	PhasedOutVersion       string `json:"phased_out_version,omitempty"`
	LastRotationFinishedAt time.Time `json:"last_rotation_finished_at"`

	// AuxiliarySecrets holds opaque blobs consumed by collaborators outside
	// this module's scope (e.g. an auth subsystem's signing key). Only
	// AuthSecret rotates in lockstep with CurrentKey; HashKey never changes
	// once generated (§3.2).
	AuthSecret string `json:"auth_secret"`
	HashKey    string `json:"hash_key"`
}

// RotationInProgress reports K1 ∧ K4: a phased-out key is present, meaning
// a rotation was started but not finished and must be resumed.
func (r *KeyRecord) RotationInProgress() bool {
	return r.PhasedOutKey != "" || r.PhasedOutVersion != ""
}

// Validate checks the structural invariants required before a record may
// be persisted or trusted after load (§4.6). Failure here is non-recoverable
// per spec: the caller should surface domain.ErrKeyStorageCorruption (on
// load) or refuse the write (on save).
func (r *KeyRecord) Validate() error {
	if r.CurrentKey == "" {
		return fmt.Errorf("current_key is required")
	}
	if err := validateVersion(r.CurrentVersion); err != nil {
		return fmt.Errorf("current_version: %w", err)
	}
	if _, err := base64.StdEncoding.DecodeString(r.CurrentKey); err != nil {
		return fmt.Errorf("current_key is not valid base64: %w", err)
	}

	hasPhasedOutKey := r.PhasedOutKey != ""
	hasPhasedOutVersion := r.PhasedOutVersion != ""
	if hasPhasedOutKey != hasPhasedOutVersion {
		return fmt.Errorf("phased_out_key and phased_out_version must both be present or both absent (K1)")
	}
	if hasPhasedOutKey {
		if err := validateVersion(r.PhasedOutVersion); err != nil {
			return fmt.Errorf("phased_out_version: %w", err)
		}
		if _, err := base64.StdEncoding.DecodeString(r.PhasedOutKey); err != nil {
			return fmt.Errorf("phased_out_key is not valid base64: %w", err)
		}
		if r.CurrentVersion == r.PhasedOutVersion {
			return fmt.Errorf("current_version and phased_out_version must differ while a rotation is in progress (K2)")
		}
	}

	if r.AuthSecret != "" {
		if _, err := base64.StdEncoding.DecodeString(r.AuthSecret); err != nil {
			return fmt.Errorf("auth_secret is not valid base64: %w", err)
		}
	}
	if r.HashKey != "" {
		if _, err := base64.StdEncoding.DecodeString(r.HashKey); err != nil {
			return fmt.Errorf("hash_key is not valid base64: %w", err)
		}
	}

	return nil
}

func validateVersion(v string) error {
	if len(v) != 1 || v[0] < 'A' || v[0] > 'Z' {
		return fmt.Errorf("version must be a single letter A-Z, got %q (K3)", v)
	}
	return nil
}

// NextVersion implements the wrap-around letter sequence used by P6:
// 'A'..'Y' advance by one; 'Z' wraps to 'A'.
func NextVersion(v string) string {
	if v == "" || v[0] == 'Z' {
		return "A"
	}
	return string(v[0] + 1)
}
