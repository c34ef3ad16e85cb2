package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atnightfa11/marketing-analytics/pkg/models"
)

// Token strings are base64url(claims_json) + "." + base64url(signature),
// base64url without padding. claims_json is compact UTF-8 with keys in
// ascending order; models.TokenClaims declares its fields in that order so a
// plain marshal is already canonical.

// serializeClaims produces the canonical claims bytes the signature covers.
func serializeClaims(claims *models.TokenClaims) ([]byte, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize claims: %v", err)
	}
	return data, nil
}

// sign computes HMAC-SHA256 over the serialized claims.
func sign(secret, claimsJSON []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(claimsJSON)
	return mac.Sum(nil)
}

// encodeToken assembles the wire token string from claims bytes and
// signature.
func encodeToken(claimsJSON, sig []byte) string {
	return base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// splitToken decodes the two halves of a presented token string.
func splitToken(tokenString string) (claimsJSON, sig []byte, err error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("token must have exactly two segments")
	}
	claimsJSON, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("claims segment is not base64url: %v", err)
	}
	sig, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("signature segment is not base64url: %v", err)
	}
	return claimsJSON, sig, nil
}

// verifySignature recomputes the HMAC and compares in constant time.
func verifySignature(secret, claimsJSON, sig []byte) bool {
	expected := sign(secret, claimsJSON)
	return hmac.Equal(expected, sig)
}

// newJTI returns a 128-bit random token identifier in hex.
func newJTI() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate jti: %v", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
