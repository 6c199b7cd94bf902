// Package correlation mints and verifies correlation tokens (letting a
// publisher join events across topics in an RPC-style exchange) and
// maintains the hotlist that wakes a waiting GET by_correlation_token
// request as soon as the matching event lands (spec.md §4.4).
package correlation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/mydriatech/fragtale/pkg/broker"
)

// Token lets a publisher tie an event in one topic to a reply in
// another without trusting the client: the uid is opaque and random,
// and integrity is a MAC over uid+timestamp so tampering (not loss) is
// detected.
type Token struct {
	UID             string `json:"uid"`
	TimestampMicros uint64 `json:"timestamp"`
	Integrity       []byte `json:"integrity"`
}

func macOverToken(secret []byte, uid string, timestampMicros uint64) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(uid))
	var tsBytes [8]byte
	binary.BigEndian.PutUint64(tsBytes[:], timestampMicros)
	m.Write(tsBytes[:])
	return m.Sum(nil)
}

// NewToken mints a fresh token for an event published at timestampMicros.
func NewToken(secret []byte, timestampMicros uint64) (*Token, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, broker.Wrap(broker.Unspecified, "generating correlation token uid", err)
	}
	uid := base64.RawURLEncoding.EncodeToString(raw)
	return &Token{
		UID:             uid,
		TimestampMicros: timestampMicros,
		Integrity:       macOverToken(secret, uid, timestampMicros),
	}, nil
}

// Verify reports whether the token's MAC matches secret.
func (t *Token) Verify(secret []byte) bool {
	expected := macOverToken(secret, t.UID, t.TimestampMicros)
	return hmac.Equal(expected, t.Integrity)
}

// AsString serializes the token as URL-safe base64 of its JSON form, the
// opaque string handed to and accepted back from clients.
func (t *Token) AsString() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenFromString parses a token previously produced by AsString.
func TokenFromString(s string) (*Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, broker.Wrap(broker.MalformedIdentifier, "decoding correlation token", err)
	}
	var t Token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, broker.Wrap(broker.MalformedIdentifier, "parsing correlation token", err)
	}
	return &t, nil
}
