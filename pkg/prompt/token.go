package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gowebpki/jcs"
)

// Token purposes.
const (
	purposeConfirm  = "confirm"
	purposeKeySetup = "key"
)

const issuer = "signet/prompt"

// surfaceClaims binds a surface to exactly one pending decision.
type surfaceClaims struct {
	jwt.RegisteredClaims
	Purpose string `json:"purpose"`
	Origin  string `json:"host,omitempty"`
	Type    string `json:"type,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

func (c *Controller) sign(claims surfaceClaims) (string, error) {
	now := c.clock().UTC()
	claims.Issuer = issuer
	claims.IssuedAt = jwt.NewNumericDate(now)
	if c.tokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.tokenTTL))
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign surface token: %w", err)
	}
	return tok, nil
}

func (c *Controller) parse(token, purpose string) (*surfaceClaims, error) {
	claims := &surfaceClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return c.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(c.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Purpose != purpose {
		return nil, fmt.Errorf("%w: wrong purpose", ErrInvalidToken)
	}
	return claims, nil
}

// ParamsDigest is the hex SHA-256 of the RFC 8785 canonical form of params.
func ParamsDigest(params []byte) (string, error) {
	if len(params) == 0 {
		params = []byte("null")
	}
	canon, err := jcs.Transform(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

func jwtClaims(jti, subject string) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{ID: jti, Subject: subject}
}
