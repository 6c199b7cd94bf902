package integrity

import "encoding/hex"

// hexMustDecode decodes a hex protection id produced by ProtectedHashHex.
// Callers only ever pass ids this package generated, so a decode failure
// indicates backend corruption; panicking here would be worse than
// silently dropping a bad member, so this returns nil and lets the
// caller's downstream hash comparison fail instead.
func hexMustDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}
