package session

import (
	"strings"

	"github.com/google/uuid"
)

// IdentityLength is the exact length of an assistant-issued session
// identity.
const IdentityLength = 26

// syntheticPrefix marks placeholder identities minted locally before
// capture completes.
const syntheticPrefix = "syn_"

// ValidIdentity reports whether id matches the fixed identity shape:
// exactly 26 characters of [A-Za-z0-9_-]. A value violating this shape is
// a protocol error regardless of where in the stream it appears.
func ValidIdentity(id string) bool {
	if len(id) != IdentityLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
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

// SyntheticIdentity mints a placeholder key for a process whose real
// identity has not been captured yet. Same length as a real identity but
// always distinguishable by prefix.
func SyntheticIdentity() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return syntheticPrefix + hex[:IdentityLength-len(syntheticPrefix)]
}

// IsSynthetic reports whether id is a locally minted placeholder
func IsSynthetic(id string) bool {
	return strings.HasPrefix(id, syntheticPrefix)
}
