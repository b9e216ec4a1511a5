package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/ruteri/tee-solver-registry/interfaces"
	"golang.org/x/crypto/ssh"
)

var ErrInvalidSignature = errors.New("invalid signature")

// Signer signs request digests with a worker or operator key.
type Signer interface {
	PublicKey() interfaces.PublicKey
	Sign(digest []byte) ([]byte, error)
}

type ED25519Signer struct {
	key ed25519.PrivateKey
}

func NewED25519Signer(key ed25519.PrivateKey) *ED25519Signer {
	return &ED25519Signer{key: key}
}

func GenerateED25519Signer() (*ED25519Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewED25519Signer(key), nil
}

func (s *ED25519Signer) PublicKey() interfaces.PublicKey {
	return interfaces.PublicKey{Curve: interfaces.CurveED25519, Data: []byte(s.key.Public().(ed25519.PublicKey))}
}

func (s *ED25519Signer) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.key, digest), nil
}

// PrivateKeyString returns the "ed25519:<base58>" form of the 64-byte private key.
func (s *ED25519Signer) PrivateKeyString() string {
	return string(interfaces.CurveED25519) + ":" + base58.Encode(s.key)
}

type SECP256K1Signer struct {
	key *ecdsa.PrivateKey
}

func NewSECP256K1Signer(key *ecdsa.PrivateKey) *SECP256K1Signer {
	return &SECP256K1Signer{key: key}
}

func GenerateSECP256K1Signer() (*SECP256K1Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSECP256K1Signer(key), nil
}

func (s *SECP256K1Signer) PublicKey() interfaces.PublicKey {
	// Drop the 0x04 uncompressed point prefix.
	return interfaces.PublicKey{Curve: interfaces.CurveSECP256K1, Data: crypto.FromECDSAPub(&s.key.PublicKey)[1:]}
}

// Sign returns a 65-byte [R || S || V] signature over a 32-byte digest.
func (s *SECP256K1Signer) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func (s *SECP256K1Signer) PrivateKeyString() string {
	return string(interfaces.CurveSECP256K1) + ":" + base58.Encode(crypto.FromECDSA(s.key))
}

// ParseSigner parses a "<curve>:<base58>" private key.
func ParseSigner(encoded string) (Signer, error) {
	curve, data, found := strings.Cut(encoded, ":")
	if !found {
		return nil, fmt.Errorf("%w: private key must be prefixed with its curve", interfaces.ErrMalformedInput)
	}
	raw, err := base58.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid private key encoding: %v", interfaces.ErrMalformedInput, err)
	}

	switch interfaces.KeyCurve(curve) {
	case interfaces.CurveED25519:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%w: ed25519 private key must be %d bytes", interfaces.ErrMalformedInput, ed25519.PrivateKeySize)
		}
		return NewED25519Signer(ed25519.PrivateKey(raw)), nil
	case interfaces.CurveSECP256K1:
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrMalformedInput, err)
		}
		return NewSECP256K1Signer(key), nil
	default:
		return nil, fmt.Errorf("%w: unknown key curve %q", interfaces.ErrMalformedInput, curve)
	}
}

// VerifySignature checks a signature produced by the matching Signer.
func VerifySignature(pk interfaces.PublicKey, digest []byte, signature []byte) error {
	if err := pk.Validate(); err != nil {
		return err
	}

	switch pk.Curve {
	case interfaces.CurveED25519:
		if !ed25519.Verify(ed25519.PublicKey(pk.Data), digest, signature) {
			return ErrInvalidSignature
		}
		return nil
	case interfaces.CurveSECP256K1:
		if len(signature) != crypto.SignatureLength {
			return fmt.Errorf("%w: expected %d bytes", ErrInvalidSignature, crypto.SignatureLength)
		}
		uncompressed := append([]byte{0x04}, pk.Data...)
		if !crypto.VerifySignature(uncompressed, digest, signature[:crypto.RecoveryIDOffset]) {
			return ErrInvalidSignature
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown key curve %q", interfaces.ErrMalformedInput, pk.Curve)
	}
}

// KeyFingerprint returns the OpenSSH SHA256 fingerprint of a public key.
// Curves OpenSSH does not know are fingerprinted over the raw key bytes in the same format.
func KeyFingerprint(pk interfaces.PublicKey) string {
	if pk.Curve == interfaces.CurveED25519 && len(pk.Data) == ed25519.PublicKeySize {
		sshKey, err := ssh.NewPublicKey(ed25519.PublicKey(pk.Data))
		if err == nil {
			return ssh.FingerprintSHA256(sshKey)
		}
	}
	sum := sha256.Sum256(pk.Data)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// ImplicitAccountID returns the implicit account controlled by an ed25519 key.
func ImplicitAccountID(pk interfaces.PublicKey) (interfaces.AccountID, error) {
	if pk.Curve != interfaces.CurveED25519 {
		return "", fmt.Errorf("%w: implicit accounts require an ed25519 key", interfaces.ErrMalformedInput)
	}
	return interfaces.AccountID(hex.EncodeToString(pk.Data)), nil
}

// KeyFile is the on-disk credentials format of the CLIs.
type KeyFile struct {
	AccountID  interfaces.AccountID `json:"account_id"`
	PublicKey  string               `json:"public_key"`
	PrivateKey string               `json:"private_key"`
}

// LoadKeyFile reads a credentials file and returns the account and its signer.
func LoadKeyFile(path string) (interfaces.AccountID, Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("reading key file: %w", err)
	}

	var keyFile KeyFile
	if err := json.Unmarshal(data, &keyFile); err != nil {
		return "", nil, fmt.Errorf("%w: key file: %v", interfaces.ErrMalformedInput, err)
	}

	signer, err := ParseSigner(keyFile.PrivateKey)
	if err != nil {
		return "", nil, err
	}

	if keyFile.PublicKey != "" && keyFile.PublicKey != signer.PublicKey().String() {
		return "", nil, fmt.Errorf("%w: key file public key does not match private key", interfaces.ErrMalformedInput)
	}
	if err := keyFile.AccountID.Validate(); err != nil {
		return "", nil, err
	}
	return keyFile.AccountID, signer, nil
}
