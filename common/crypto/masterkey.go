package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMasterKey wraps every ParseMasterKey failure.
var ErrInvalidMasterKey = errors.New("invalid master key")

// GenerateMasterKey returns a random key in the hex form ParseMasterKey
// accepts.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// ParseMasterKey decodes the hex master key used to seal gateway tokens.
// Surrounding whitespace is ignored.
func ParseMasterKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMasterKey)
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMasterKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidMasterKey, KeySize*2, len(s))
	}
	return key, nil
}
