package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"memory-gateway/config"
)

// AllCollections in a credential's collection list grants every collection.
const AllCollections = "*"

/*
Principal is the identity behind an accepted credential.
*/
type Principal struct {
	Name        string
	Role        config.Role
	Collections []string
}

// IsAdmin reports whether the principal may create and delete collections.
func (p Principal) IsAdmin() bool {
	return p.Role == config.RoleAdmin
}

/*
CanAccess reports whether the principal may read or write collection. An
empty collection list means the credential is not scoped.
*/
func (p Principal) CanAccess(collection string) bool {
	if len(p.Collections) == 0 {
		return true
	}
	for _, c := range p.Collections {
		if c == AllCollections || c == collection {
			return true
		}
	}
	return false
}

type entry struct {
	hash      [sha256.Size]byte
	principal Principal
}

/*
Validator checks bearer tokens against the configured credential set.

The set is immutable once built and swapped atomically by Replace, so the
request path never takes a lock. Only SHA-256 digests are kept in memory.
*/
type Validator struct {
	entries atomic.Pointer[[]entry]
}

/*
NewValidator builds a validator over creds.
*/
func NewValidator(creds []config.Credential) (*Validator, error) {
	v := &Validator{}
	if err := v.Replace(creds); err != nil {
		return nil, err
	}
	return v, nil
}

/*
Replace swaps the credential set. Requests already past authentication keep
the principal they resolved; new requests see the new set.
*/
func (v *Validator) Replace(creds []config.Credential) error {
	entries := make([]entry, 0, len(creds))
	for _, cred := range creds {
		e, err := compile(cred)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}
	v.entries.Store(&entries)
	return nil
}

/*
Authenticate resolves token to its principal. The token's digest is compared
with every entry in constant time and the loop never exits early, so timing
does not reveal which entry matched or how close a guess was.
*/
func (v *Validator) Authenticate(token string) (Principal, bool) {
	if token == "" {
		return Principal{}, false
	}
	digest := sha256.Sum256([]byte(token))

	var (
		principal Principal
		found     bool
	)
	for _, e := range *v.entries.Load() {
		if subtle.ConstantTimeCompare(digest[:], e.hash[:]) == 1 && !found {
			principal = e.principal
			found = true
		}
	}
	return principal, found
}

// Validate reports whether token belongs to the current credential set.
func (v *Validator) Validate(token string) bool {
	_, ok := v.Authenticate(token)
	return ok
}

// Len returns the number of accepted credentials.
func (v *Validator) Len() int {
	return len(*v.entries.Load())
}

func compile(cred config.Credential) (entry, error) {
	e := entry{
		principal: Principal{
			Name:        cred.Name,
			Role:        cred.Role,
			Collections: append([]string(nil), cred.Collections...),
		},
	}
	if e.principal.Role == "" {
		e.principal.Role = config.RoleMember
	}

	switch {
	case cred.TokenSHA256 != "":
		raw, err := hex.DecodeString(cred.TokenSHA256)
		if err != nil || len(raw) != sha256.Size {
			return entry{}, fmt.Errorf("credential %s: token_sha256 is not a hex SHA-256 digest", cred.Name)
		}
		copy(e.hash[:], raw)
	case cred.Token != "":
		e.hash = sha256.Sum256([]byte(cred.Token))
	default:
		return entry{}, fmt.Errorf("credential %s has neither token nor token_sha256", cred.Name)
	}
	return e, nil
}

// HashToken returns the hex SHA-256 digest stored for token.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}

/*
GenerateToken returns a new random bearer token: 32 bytes from crypto/rand,
base64url encoded without padding.
*/
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

/*
ParseBearer extracts the token from an Authorization header. Both
"Bearer <token>" and a bare token are accepted.
*/
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if strings.EqualFold(header, "bearer") {
		return ""
	}
	return header
}
