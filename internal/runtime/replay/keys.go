package replay

import (
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"strings"
)

// MaxThreadIDLength bounds raw thread ids in store keys. Longer ids are
// encoded to prevent key size explosion.
const MaxThreadIDLength = 128

// encodedKeyPrefix marks keys produced by EncodeThreadKey.
const encodedKeyPrefix = "b64_"

// legacyKeyPrefix marks keys produced by the old hash-based scheme. Kept for
// reading entries written before the reversible encoding existed.
const legacyKeyPrefix = "h_"

func threadIDIsSafe(threadID string) bool {
	if len(threadID) > MaxThreadIDLength {
		return false
	}
	for _, c := range threadID {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// EncodeThreadKey maps a user-controlled thread id to a store-safe key.
// Safe ids (short, alphanumeric/underscore/hyphen) pass through unchanged so
// keys stay debuggable. Anything else is base64url-encoded, which is
// collision-free and reversible, and prefixed so readers can tell the two
// forms apart.
func EncodeThreadKey(threadID string) string {
	if threadIDIsSafe(threadID) {
		return threadID
	}
	return encodedKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(threadID))
}

// DecodeThreadKey reverses EncodeThreadKey. Legacy hash keys are not
// reversible; ok is false for those and for malformed encodings.
func DecodeThreadKey(key string) (string, bool) {
	if strings.HasPrefix(key, legacyKeyPrefix) {
		return "", false
	}
	if !strings.HasPrefix(key, encodedKeyPrefix) {
		return key, true
	}
	raw, err := base64.RawURLEncoding.DecodeString(key[len(encodedKeyPrefix):])
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// LegacyThreadKey computes the old hash-based key for an unsafe thread id.
// The legacy scheme only encoded ids that were too long or contained a
// colon; everything else passed through. Used only on the read path to find
// entries written by older brokers, never for new writes.
func LegacyThreadKey(threadID string) string {
	if len(threadID) <= MaxThreadIDLength && !strings.Contains(threadID, ":") {
		return threadID
	}
	h := fnv.New64a()
	h.Write([]byte(threadID))
	return fmt.Sprintf("%s%016x", legacyKeyPrefix, h.Sum64())
}
