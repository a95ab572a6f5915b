package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

const DefaultTokenLength = 32

// TokenPair is a freshly minted token and the hash that gets stored.
type TokenPair struct {
	Token string
	Hash  string
}

// NewToken mints a random url-safe token.
func NewToken() (TokenPair, error) {
	buf := make([]byte, DefaultTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return TokenPair{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	return TokenPair{Token: token, Hash: HashToken(token)}, nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares token against a stored hash in constant time.
func VerifyToken(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(storedHash)) == 1
}
