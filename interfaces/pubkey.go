package interfaces

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

var errEmptyPublicKey = errors.New("empty public key")

// KeyCurve identifies the signature scheme of a public key.
type KeyCurve string

const (
	CurveED25519   KeyCurve = "ed25519"
	CurveSECP256K1 KeyCurve = "secp256k1"
)

// PublicKey is a worker or caller public key.
// Data holds 32 bytes for ed25519 and 64 bytes (uncompressed, without the 0x04 prefix) for secp256k1.
type PublicKey struct {
	Curve KeyCurve
	Data  []byte
}

// KeyLength returns the expected raw key length for the curve, 0 if unknown.
func (c KeyCurve) KeyLength() int {
	switch c {
	case CurveED25519:
		return 32
	case CurveSECP256K1:
		return 64
	default:
		return 0
	}
}

// Validate checks the curve and key length.
func (pk PublicKey) Validate() error {
	if len(pk.Data) == 0 {
		return fmt.Errorf("%w: %v", ErrMalformedInput, errEmptyPublicKey)
	}
	expected := pk.Curve.KeyLength()
	if expected == 0 {
		return fmt.Errorf("%w: unknown key curve %q", ErrMalformedInput, pk.Curve)
	}
	if len(pk.Data) != expected {
		return fmt.Errorf("%w: %s key must be %d bytes, got %d", ErrMalformedInput, pk.Curve, expected, len(pk.Data))
	}
	return nil
}

// Equal compares curve and key bytes.
func (pk PublicKey) Equal(other PublicKey) bool {
	return pk.Curve == other.Curve && string(pk.Data) == string(other.Data)
}

// IsZero reports whether the key is unset.
func (pk PublicKey) IsZero() bool {
	return pk.Curve == "" && len(pk.Data) == 0
}

// String returns the "<curve>:<base58>" form.
func (pk PublicKey) String() string {
	if pk.IsZero() {
		return ""
	}
	return string(pk.Curve) + ":" + base58.Encode(pk.Data)
}

// MarshalText implements encoding.TextMarshaler.
func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}

// ParsePublicKey parses "<curve>:<base58>". A key without a curve prefix is read as ed25519.
func ParsePublicKey(encoded string) (PublicKey, error) {
	curve, data, found := strings.Cut(encoded, ":")
	if !found {
		data = curve
		curve = string(CurveED25519)
	}

	raw, err := base58.Decode(data)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: invalid key encoding: %v", ErrMalformedInput, err)
	}

	pk := PublicKey{Curve: KeyCurve(curve), Data: raw}
	if err := pk.Validate(); err != nil {
		return PublicKey{}, err
	}
	return pk, nil
}
