package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mydriatech/fragtale/pkg/broker"
)

func macOf(oid string, secret, data []byte) ([]byte, error) {
	switch oid {
	case "hmac-sha256":
		m := hmac.New(sha256.New, secret)
		m.Write(data)
		return m.Sum(nil), nil
	case "hmac-sha512":
		m := hmac.New(sha512.New, secret)
		m.Write(data)
		return m.Sum(nil), nil
	default:
		return nil, fmt.Errorf("unsupported MAC algorithm oid: %s", oid)
	}
}

// Protection is a root hash protected by up to two independently keyed
// MACs, serialized as JSON for storage (the Go analogue of the original
// IntegrityProtection, which used HMAC-SHA3 via a Rust crypto crate with
// no Go equivalent in this codebase's stack; HMAC over crypto/sha256 and
// crypto/sha512 serves the same role).
type Protection struct {
	ProtectedHash     []byte `json:"protected_hash_b64"`
	CurrentOID        string `json:"current_algorithm_oid"`
	CurrentProtection []byte `json:"current_protection_b64,omitempty"`
	PreviousOID       string `json:"previous_algorithm_oid"`
	PreviousProtection []byte `json:"previous_protection_b64,omitempty"`
}

// Protect MACs protectedHash with the given current/previous secrets. An
// empty oid or secret skips that generation entirely, matching the
// original's "no previous secret left to protect with" end-of-life case.
func Protect(protectedHash []byte, currentOID string, currentSecret []byte, previousOID string, previousSecret []byte) (*Protection, error) {
	p := &Protection{ProtectedHash: protectedHash, CurrentOID: currentOID, PreviousOID: previousOID}
	if currentOID != "" && len(currentSecret) > 0 {
		mac, err := macOf(currentOID, currentSecret, protectedHash)
		if err != nil {
			return nil, err
		}
		p.CurrentProtection = mac
	}
	if previousOID != "" && len(previousSecret) > 0 {
		mac, err := macOf(previousOID, previousSecret, protectedHash)
		if err != nil {
			return nil, err
		}
		p.PreviousProtection = mac
	}
	return p, nil
}

func validateWithMAC(oid string, secret, data, expected []byte) error {
	if len(expected) == 0 {
		return broker.New(broker.IntegrityProtectionError, "no protection recorded for this generation")
	}
	supplied, err := macOf(oid, secret, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(supplied, expected) != 1 {
		return broker.New(broker.IntegrityProtectionError, "MAC mismatch")
	}
	return nil
}

// ValidateCurrent checks the protected hash against the current
// generation's MAC.
func (p *Protection) ValidateCurrent(oid string, secret []byte) error {
	if p.CurrentOID != oid {
		return broker.New(broker.IntegrityProtectionError, "oid does not match current generation")
	}
	return validateWithMAC(oid, secret, p.ProtectedHash, p.CurrentProtection)
}

// ValidatePrevious checks the protected hash against the previous
// generation's MAC.
func (p *Protection) ValidatePrevious(oid string, secret []byte) error {
	if p.PreviousOID != oid {
		return broker.New(broker.IntegrityProtectionError, "oid does not match previous generation")
	}
	return validateWithMAC(oid, secret, p.ProtectedHash, p.PreviousProtection)
}

// ProtectedHashHex is the hex id a protection row is looked up by.
func (p *Protection) ProtectedHashHex() string {
	return hex.EncodeToString(p.ProtectedHash)
}

// AsString serializes the protection to JSON.
func (p *Protection) AsString() (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ProtectionFromString parses a serialized protection.
func ProtectionFromString(s string) (*Protection, error) {
	var p Protection
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, broker.Wrap(broker.IntegrityProtectionError, "parsing integrity protection", err)
	}
	return &p, nil
}
