package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ruteri/tee-solver-registry/cryptoutils"
	"github.com/ruteri/tee-solver-registry/interfaces"
)

const (
	// maxBodySize bounds request bodies; attestation collateral is the largest payload.
	maxBodySize = 4 * 1024 * 1024

	DefaultMaxClockSkew = 2 * time.Minute
)

// KeyDirectory lists the access keys each account may sign requests with.
// Implicit accounts, whose id is the hex of an ed25519 key, need no entry.
type KeyDirectory struct {
	mu   sync.RWMutex
	keys map[interfaces.AccountID][]interfaces.PublicKey
}

func NewKeyDirectory() *KeyDirectory {
	return &KeyDirectory{keys: make(map[interfaces.AccountID][]interfaces.PublicKey)}
}

// LoadKeyDirectory reads a JSON object mapping account ids to key lists:
//
//	{"owner.near": ["ed25519:..."], "solver.near": ["secp256k1:..."]}
func LoadKeyDirectory(r io.Reader) (*KeyDirectory, error) {
	var raw map[interfaces.AccountID][]interfaces.PublicKey
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode access keys JSON: %w", err)
	}

	dir := NewKeyDirectory()
	for account, keys := range raw {
		if err := account.Validate(); err != nil {
			return nil, err
		}
		for _, key := range keys {
			dir.Add(account, key)
		}
	}
	return dir, nil
}

// LoadKeyDirectoryFile is LoadKeyDirectory over a file. An empty path yields an
// empty directory, which admits implicit accounts only.
func LoadKeyDirectoryFile(path string) (*KeyDirectory, error) {
	if path == "" {
		return NewKeyDirectory(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadKeyDirectory(f)
}

func (d *KeyDirectory) Add(account interfaces.AccountID, key interfaces.PublicKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.keys[account] {
		if existing.Equal(key) {
			return
		}
	}
	d.keys[account] = append(d.keys[account], key)
}

// Authorized reports whether key may act for account.
func (d *KeyDirectory) Authorized(account interfaces.AccountID, key interfaces.PublicKey) bool {
	if implicit, err := cryptoutils.ImplicitAccountID(key); err == nil && implicit == account {
		return true
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, existing := range d.keys[account] {
		if existing.Equal(key) {
			return true
		}
	}
	return false
}

type callerKey struct{}

// CallerFrom returns the authenticated caller stored by Authenticator.
func CallerFrom(ctx context.Context) (interfaces.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(interfaces.Caller)
	return caller, ok
}

func withCaller(ctx context.Context, caller interfaces.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Authenticator checks signed request headers against a key directory.
type Authenticator struct {
	Directory *KeyDirectory
	MaxSkew   time.Duration
	Now       func() time.Time
	Log       *slog.Logger
}

func NewAuthenticator(directory *KeyDirectory, log *slog.Logger) *Authenticator {
	return &Authenticator{
		Directory: directory,
		MaxSkew:   DefaultMaxClockSkew,
		Now:       time.Now,
		Log:       log,
	}
}

func (a *Authenticator) authenticate(r *http.Request) (interfaces.Caller, error) {
	signed, err := cryptoutils.ParseSignedRequest(r.Header)
	if err != nil {
		return interfaces.Caller{}, err
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
		if err != nil {
			return interfaces.Caller{}, fmt.Errorf("%w: failed to read request body: %v", interfaces.ErrMalformedInput, err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if err := signed.Verify(r.Method, r.URL.Path, body, a.Now(), a.MaxSkew); err != nil {
		return interfaces.Caller{}, err
	}
	if !a.Directory.Authorized(signed.AccountID, signed.PublicKey) {
		return interfaces.Caller{}, fmt.Errorf("%w: key %s is not an access key of %s",
			interfaces.ErrUnauthenticated, cryptoutils.KeyFingerprint(signed.PublicKey), signed.AccountID)
	}

	return interfaces.Caller{AccountID: signed.AccountID, PublicKey: signed.PublicKey}, nil
}

// Middleware rejects unauthenticated requests and stores the caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.authenticate(r)
		if err != nil {
			a.Log.Warn("Authentication failed", "path", r.URL.Path, "err", err)
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}
