package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/devsync/internal/errs"
)

// VerifyAccessToken validates a bearer access key as an HS256 JWT. Servers
// started without a token key accept any connection; with one, every
// handshake must carry a valid token.
func VerifyAccessToken(token string, signKey []byte) error {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signKey, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: invalid access token", errs.ErrUnauthorized)
	}
	return nil
}

// BearerToken extracts the bearer token from a handshake request.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
}

// IssueAccessToken creates a signed access key for distribution to clients.
func IssueAccessToken(signKey []byte, claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signKey)
}
