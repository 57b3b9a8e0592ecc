package config

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
)

const redacted = "[REDACTED]"

// Secret holds a sensitive value. Every printing path redacts it;
// Reveal is the only way to read the value.
type Secret struct {
	value string
}

func NewSecret(value string) Secret {
	return Secret{value: value}
}

// Reveal returns the underlying value.
func (s Secret) Reveal() string {
	return s.value
}

func (s Secret) IsSet() bool {
	return s.value != ""
}

// Equal compares in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare([]byte(s.value), []byte(other.value)) == 1
}

func (s Secret) String() string {
	if !s.IsSet() {
		return ""
	}
	return redacted
}

func (s Secret) GoString() string {
	return fmt.Sprintf("config.Secret(%q)", s.String())
}

// Format covers %v, %+v, %#v, %s and %q including nested struct printing.
func (s Secret) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('#') {
			io.WriteString(f, s.GoString())
			return
		}
		io.WriteString(f, s.String())
	case 'q':
		fmt.Fprintf(f, "%q", s.String())
	default:
		io.WriteString(f, s.String())
	}
}

func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
