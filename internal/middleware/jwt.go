package middleware

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer identifies the service that issues admin access tokens.
const TokenIssuer = "Poof"

// ValidateToken checks the token's RS256 signature and its exp and iss
// claims. Any deviation returns a descriptive error; an expired token
// returns jwt.ErrTokenExpired.
func ValidateToken(tokenString string, publicKey *rsa.PublicKey) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return publicKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, jwt.ErrTokenExpired
		}
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	// ─── Standard claim checks ────────────────────────────────────────────────────
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, errors.New("missing expiration claim")
	}
	if time.Unix(int64(exp), 0).Before(time.Now()) {
		return nil, jwt.ErrTokenExpired
	}

	iss, ok := claims["iss"].(string)
	if !ok {
		return nil, errors.New("missing issuer claim")
	}
	if iss != TokenIssuer {
		return nil, errors.New("invalid token issuer")
	}

	return token, nil
}
