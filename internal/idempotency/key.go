package idempotency

import (
	"fmt"
	"strings"

	"github.com/farmregistry/farm-service/internal/domain"
)

// MaxKeyLength is the longest accepted key after trimming.
const MaxKeyLength = 79

// Key identifies one logical operation from one caller. The zero value is not
// a valid key; obtain one from ParseKey.
type Key struct {
	value string
}

// ParseKey trims raw and checks it is non-empty, at most MaxKeyLength bytes,
// and made only of ASCII letters, digits, '-' and '_'. The character set keeps
// keys safe to embed in cache keys using ':' as a separator.
func ParseKey(raw string) (Key, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return Key{}, domain.ErrInvalidIdempotencyKey("empty")
	}
	if len(v) > MaxKeyLength {
		return Key{}, domain.ErrInvalidIdempotencyKey(fmt.Sprintf("longer than %d characters", MaxKeyLength))
	}
	for i := 0; i < len(v); i++ {
		if !allowedKeyByte(v[i]) {
			return Key{}, domain.ErrInvalidIdempotencyKey(fmt.Sprintf("invalid character at position %d", i))
		}
	}
	return Key{value: v}, nil
}

// MustParseKey is ParseKey for literals in tests and fixtures.
func MustParseKey(raw string) Key {
	k, err := ParseKey(raw)
	if err != nil {
		panic(err)
	}
	return k
}

func allowedKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

func (k Key) String() string { return k.value }

func (k Key) IsZero() bool { return k.value == "" }
