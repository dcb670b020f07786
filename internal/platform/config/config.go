package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultCurrency    = "INR"
	defaultDeliveryFee = int64(1500)

	defaultHMACSignatureHeader = "X-Signature"
	defaultHMACTimestampHeader = "X-Signature-Timestamp"
	defaultHMACNonceHeader     = "X-Signature-Nonce"
	defaultHMACClockSkew       = 5 * time.Minute
	defaultHMACNonceTTL        = 5 * time.Minute

	defaultWebhookEventTTL       = 72 * time.Hour
	defaultWebhookCleanupEvery   = time.Hour
	defaultWebhookCleanupBatch   = 200
	defaultCourierRequestTimeout = 10 * time.Second
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig
	Firestore FirestoreConfig
	Stripe    StripeConfig
	Checkout  CheckoutConfig
	Couriers  CourierConfig
	Admin     AdminConfig
	Events    EventsConfig
	Webhooks  WebhookConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// StripeConfig collects payment gateway credentials.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
}

// CheckoutConfig tunes order creation behaviour.
type CheckoutConfig struct {
	Currency          string
	DeliveryFee       int64
	FrontendBaseURL   string
	DefaultCourier    string
	AutoShipOnPayment bool
}

// CourierConfig groups courier integration settings.
type CourierConfig struct {
	WebhookSecret   string
	RequestTimeout  time.Duration
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

// AdminConfig guards the operator surface.
type AdminConfig struct {
	APIKey string
}

// EventsConfig configures the Pub/Sub order event topic.
type EventsConfig struct {
	ProjectID string
	Topic     string
}

// WebhookConfig controls webhook event deduplication.
type WebhookConfig struct {
	EventTTL         time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	secret       SecretResolver
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for secret:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "APP_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "APP_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "APP_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "APP_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "APP_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "APP_FIRESTORE_EMULATOR_HOST", ""),
		},
		Stripe: StripeConfig{
			APIKey:        stringWithDefault(lookup, "APP_STRIPE_API_KEY", ""),
			WebhookSecret: stringWithDefault(lookup, "APP_STRIPE_WEBHOOK_SECRET", ""),
		},
		Checkout: CheckoutConfig{
			Currency:          strings.ToUpper(stringWithDefault(lookup, "APP_CHECKOUT_CURRENCY", defaultCurrency)),
			DeliveryFee:       int64WithDefault(lookup, "APP_CHECKOUT_DELIVERY_FEE", defaultDeliveryFee),
			FrontendBaseURL:   stringWithDefault(lookup, "APP_CHECKOUT_FRONTEND_URL", ""),
			DefaultCourier:    stringWithDefault(lookup, "APP_CHECKOUT_DEFAULT_COURIER", ""),
			AutoShipOnPayment: boolWithDefault(lookup, "APP_CHECKOUT_AUTO_SHIP", true),
		},
		Couriers: CourierConfig{
			WebhookSecret:   stringWithDefault(lookup, "APP_COURIER_WEBHOOK_SECRET", ""),
			RequestTimeout:  durationWithDefault(lookup, "APP_COURIER_REQUEST_TIMEOUT", defaultCourierRequestTimeout),
			SignatureHeader: stringWithDefault(lookup, "APP_COURIER_HEADER_SIGNATURE", defaultHMACSignatureHeader),
			TimestampHeader: stringWithDefault(lookup, "APP_COURIER_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
			NonceHeader:     stringWithDefault(lookup, "APP_COURIER_HEADER_NONCE", defaultHMACNonceHeader),
			ClockSkew:       durationWithDefault(lookup, "APP_COURIER_CLOCK_SKEW", defaultHMACClockSkew),
			NonceTTL:        durationWithDefault(lookup, "APP_COURIER_NONCE_TTL", defaultHMACNonceTTL),
		},
		Admin: AdminConfig{
			APIKey: stringWithDefault(lookup, "APP_ADMIN_API_KEY", ""),
		},
		Events: EventsConfig{
			ProjectID: stringWithDefault(lookup, "APP_EVENTS_PROJECT_ID", ""),
			Topic:     stringWithDefault(lookup, "APP_EVENTS_TOPIC", ""),
		},
		Webhooks: WebhookConfig{
			EventTTL:         durationWithDefault(lookup, "APP_WEBHOOK_EVENT_TTL", defaultWebhookEventTTL),
			CleanupInterval:  durationWithDefault(lookup, "APP_WEBHOOK_CLEANUP_INTERVAL", defaultWebhookCleanupEvery),
			CleanupBatchSize: intWithDefault(lookup, "APP_WEBHOOK_CLEANUP_BATCH", defaultWebhookCleanupBatch),
		},
	}

	if cfg.Events.ProjectID == "" {
		cfg.Events.ProjectID = cfg.Firestore.ProjectID
	}

	// Resolve secrets when values reference Secret Manager.
	secretFields := []*string{
		&cfg.Stripe.APIKey,
		&cfg.Stripe.WebhookSecret,
		&cfg.Couriers.WebhookSecret,
		&cfg.Admin.APIKey,
	}
	for _, field := range secretFields {
		resolved, err := resolveSecret(ctx, *field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*field = resolved
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" || !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Firestore.ProjectID == "" {
		missing = append(missing, "Firestore.ProjectID")
	}
	if cfg.Checkout.Currency == "" {
		missing = append(missing, "Checkout.Currency")
	}
	if cfg.Checkout.DeliveryFee < 0 {
		missing = append(missing, "Checkout.DeliveryFee")
	}
	if cfg.Webhooks.EventTTL <= 0 {
		missing = append(missing, "Webhooks.EventTTL")
	}
	if cfg.Webhooks.CleanupInterval <= 0 {
		missing = append(missing, "Webhooks.CleanupInterval")
	}
	if cfg.Webhooks.CleanupBatchSize <= 0 {
		missing = append(missing, "Webhooks.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func int64WithDefault(lookup func(string) (string, bool), key string, fallback int64) int64 {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
