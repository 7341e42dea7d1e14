// Package horosafe holds the small safety helpers shared by the transport
// and the reference store: bounded body reads and identifier checks for
// values that end up in URL paths.
package horosafe

import (
	"errors"
	"fmt"
	"io"
)

// MaxResponseBody is the default cap for HTTP body reads (16 MiB).
// Commit lists of large streams are the biggest payloads we handle.
const MaxResponseBody int64 = 16 << 20

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("horosafe: body exceeds limit")

// ValidateIdentifier rejects identifiers unsuitable for URL path segments.
// Allows alphanumeric, underscore, hyphen, dot and colon (for CIDs and DIDs).
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("horosafe: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("horosafe: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("horosafe: invalid character %q in identifier", r)
		}
	}
	return nil
}

// LimitedReadAll reads at most maxBytes from r.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, maxBytes)
	}
	return data, nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.' || r == ':'
}
