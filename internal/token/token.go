// Package token defines the fixed-size identifier handed out by storage
// methods for every stored article.
package token

import (
	"errors"
	"fmt"
	"strings"
)

// BodyLength is the number of method-private bytes carried by a token.
const BodyLength = 16

// Size is the encoded size of a token: type, class and body.
const Size = 2 + BodyLength

// TextLength is the length of the canonical text form, delimiters included.
const TextLength = 2*Size + 2

// Type identifies the storage method that owns a token.
type Type uint8

// Known storage method types. The numbering matches the historical
// on-disk assignments so tokens stay comparable across tools.
const (
	TypeTrash     Type = 0
	TypeTimehash  Type = 1
	TypeCNFS      Type = 2
	TypeTimecaf   Type = 4
	TypeTradspool Type = 5
	TypeEmpty     Type = 255
)

// Class is the policy-selected retention bucket of an article.
type Class uint8

// MaxClass is the highest class number accepted by the storage policy.
const MaxClass = 255

// ErrInvalid is returned by Parse for text that is not a token.
var ErrInvalid = errors.New("invalid token text")

// Token is an opaque article identifier. Only the owning method
// interprets Body.
type Token struct {
	Type  Type
	Class Class
	Body  [BodyLength]byte
}

// Empty returns the token used to signal the absence of an article.
func Empty() Token {
	return Token{Type: TypeEmpty}
}

// IsEmpty reports whether t is the empty token.
func (t Token) IsEmpty() bool {
	return t.Type == TypeEmpty
}

// Bytes returns the binary encoding of t.
func (t Token) Bytes() [Size]byte {
	var b [Size]byte
	b[0] = byte(t.Type)
	b[1] = byte(t.Class)
	copy(b[2:], t.Body[:])
	return b
}

// FromBytes decodes the binary encoding produced by Bytes. b must hold at
// least Size bytes.
func FromBytes(b []byte) Token {
	var t Token
	t.Type = Type(b[0])
	t.Class = Class(b[1])
	copy(t.Body[:], b[2:Size])
	return t
}

const hexDigits = "0123456789ABCDEF"

// String returns the canonical text form "@<hex>@" with uppercase digits.
func (t Token) String() string {
	b := t.Bytes()
	var sb strings.Builder
	sb.Grow(TextLength)
	sb.WriteByte('@')
	for _, c := range b {
		sb.WriteByte(hexDigits[c>>4])
		sb.WriteByte(hexDigits[c&0x0f])
	}
	sb.WriteByte('@')
	return sb.String()
}

// ToText is String as a function, for symmetry with FromText.
func ToText(t Token) string {
	return t.String()
}

// IsToken reports whether text is exactly '@', 2*Size hex digits and '@'.
// Callers must gate FromText on it.
func IsToken(text string) bool {
	if len(text) != TextLength {
		return false
	}
	if text[0] != '@' || text[len(text)-1] != '@' {
		return false
	}
	for i := 1; i < len(text)-1; i++ {
		if _, ok := unhex(text[i]); !ok {
			return false
		}
	}
	return true
}

// FromText converts text back into a token. Text that fails IsToken
// yields the empty token.
func FromText(text string) Token {
	t, err := Parse(text)
	if err != nil {
		return Empty()
	}
	return t
}

// Parse is FromText with an error for malformed input.
func Parse(text string) (Token, error) {
	if !IsToken(text) {
		return Empty(), fmt.Errorf("%w: %q", ErrInvalid, text)
	}
	var b [Size]byte
	for i := range b {
		hi, _ := unhex(text[1+2*i])
		lo, _ := unhex(text[2+2*i])
		b[i] = hi<<4 | lo
	}
	return FromBytes(b[:]), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
