package transport

import (
	"fmt"
	"strings"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
)

// MaxNameLength is the longest exchange, queue, topic or stream name accepted.
const MaxNameLength = 255

// ValidateName checks a broker name against [a-zA-Z0-9._-]{1,255}. It runs
// before any network call so configuration mistakes surface synchronously.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is empty: %w", kind, errspkg.ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s name %q exceeds %d characters: %w", kind, name, MaxNameLength, errspkg.ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		if !validNameChar(name[i]) {
			return fmt.Errorf("%s name %q contains %q: %w", kind, name, name[i], errspkg.ErrInvalidName)
		}
	}
	return nil
}

func validNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	}
	return false
}

// DefaultStreamName maps a topic to its stream: the part before the first dot.
func DefaultStreamName(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
