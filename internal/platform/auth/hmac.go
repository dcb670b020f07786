package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secret for a named webhook source.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to SecretProvider.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// NonceStore remembers nonces so a signed callback cannot be replayed.
type NonceStore interface {
	// UseNonce records the nonce within the scope. The boolean is false when
	// the nonce was already seen and the request must be rejected.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory. Fine for a single
// instance; a shared store is needed once replicas scale out.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry, rejecting duplicates until then.
// Expired entries are swept opportunistically on each call.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}

	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}

	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator authenticates courier callbacks signed with a shared secret.
// The signature covers method, path, timestamp, nonce, and a digest of the
// body, so a captured request cannot be replayed or pointed at another route.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger Logger
	now    func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secrets sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator over the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	return v
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names carrying the signature parts.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises how long used nonces stay blocked.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

type hmacRejection struct {
	status  int
	code    string
	message string
}

// RequireHMAC rejects requests whose signature does not verify against the
// named shared secret. Verification failures answer 401; an unavailable
// secret or nonce store answers 503 so the sender retries later.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rej := v.verify(r, name); rej != nil {
				if v.logger != nil && rej.status != http.StatusUnauthorized {
					v.logger.Printf("auth: hmac verification unavailable: %s", rej.code)
				}
				respondAuthError(w, rej.status, rej.code, rej.message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, name string) *hmacRejection {
	ctx := r.Context()

	if name == "" {
		return &hmacRejection{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured"}
	}
	secret, err := v.loadSecret(ctx, name)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: hmac secret lookup failed: %v", err)
		}
		return &hmacRejection{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable"}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return &hmacRejection{http.StatusUnauthorized, "signature_missing", "signature header missing"}
	}
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return &hmacRejection{http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing"}
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return &hmacRejection{http.StatusUnauthorized, "nonce_missing", "signature nonce missing"}
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return &hmacRejection{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid"}
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return &hmacRejection{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window"}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return &hmacRejection{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification"}
	}

	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return &hmacRejection{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid"}
	}
	expected := computeHMAC(secret, canonicalRequest(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return &hmacRejection{http.StatusUnauthorized, "signature_mismatch", "signature verification failed"}
	}

	if v.nonces == nil {
		return &hmacRejection{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable"}
	}
	expiry := timestamp.Add(v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}
	stored, err := v.nonces.UseNonce(ctx, name, nonce, expiry)
	if err != nil {
		if v.logger != nil {
			v.logger.Printf("auth: nonce store error: %v", err)
		}
		return &hmacRejection{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error"}
	}
	if !stored {
		return &hmacRejection{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce"}
	}
	return nil
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}

	if cached, ok := v.secrets.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}

	v.secrets.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC3339 (with or without fractions) or unix
// seconds; courier partners differ on which they send.
func parseSignatureTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("auth: timestamp empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// canonicalRequest builds the signed payload: method, escaped path, timestamp,
// nonce, and the hex sha256 of the body, newline separated.
func canonicalRequest(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(digest[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
