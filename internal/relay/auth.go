package relay

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the sender identity attached to a relay connection. An
// unauthenticated connection still gets an Identity; the relay never refuses
// an upgrade for a missing credential.
type Identity struct {
	UserID *int64
	Name   string
}

// Anonymous is the identity used when no (valid) credential is presented.
var Anonymous = Identity{Name: "anonymous"}

// Authenticator verifies bearer tokens presented on the WebSocket upgrade.
// A nil Authenticator accepts everyone as Anonymous.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an authenticator for HMAC-signed tokens. An empty
// secret disables verification entirely and returns nil.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Identify extracts the caller's identity from the upgrade request. The
// bearer credential is read from the Authorization header, falling back to a
// "token" query parameter for clients that cannot set headers. Absent or
// invalid tokens degrade to Anonymous rather than failing the connect.
func (a *Authenticator) Identify(r *http.Request) Identity {
	token := bearerToken(r)
	if token == "" || a == nil {
		return Anonymous
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		log.Printf("[relay] rejecting credential, connecting as anonymous: %v", err)
		return Anonymous
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Anonymous
	}

	identity := Anonymous
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			identity.UserID = &id
		}
	}
	if name, ok := claims["name"].(string); ok && name != "" {
		identity.Name = name
	}
	return identity
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
