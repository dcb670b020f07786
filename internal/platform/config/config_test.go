package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func loadWith(t *testing.T, env map[string]string, opts ...Option) (Config, error) {
	t.Helper()
	base := []Option{
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
	}
	return Load(context.Background(), append(base, opts...)...)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"APP_FIRESTORE_PROJECT_ID": "kzarre-dev",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second || cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("server timeouts = %v/%v", cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)
	}
	if cfg.Checkout.Currency != "INR" {
		t.Errorf("Checkout.Currency = %q, want INR", cfg.Checkout.Currency)
	}
	if cfg.Checkout.DeliveryFee != 1500 {
		t.Errorf("Checkout.DeliveryFee = %d, want 1500", cfg.Checkout.DeliveryFee)
	}
	if !cfg.Checkout.AutoShipOnPayment {
		t.Error("Checkout.AutoShipOnPayment should default to true")
	}
	if cfg.Couriers.RequestTimeout != 10*time.Second {
		t.Errorf("Couriers.RequestTimeout = %v, want 10s", cfg.Couriers.RequestTimeout)
	}
	if cfg.Couriers.SignatureHeader != "X-Signature" || cfg.Couriers.NonceHeader != "X-Signature-Nonce" {
		t.Errorf("courier headers = %q/%q", cfg.Couriers.SignatureHeader, cfg.Couriers.NonceHeader)
	}
	if cfg.Webhooks.EventTTL != 72*time.Hour {
		t.Errorf("Webhooks.EventTTL = %v, want 72h", cfg.Webhooks.EventTTL)
	}
	if cfg.Webhooks.CleanupInterval != time.Hour || cfg.Webhooks.CleanupBatchSize != 200 {
		t.Errorf("webhook cleanup = %v/%d", cfg.Webhooks.CleanupInterval, cfg.Webhooks.CleanupBatchSize)
	}
	if cfg.Events.ProjectID != "kzarre-dev" {
		t.Errorf("Events.ProjectID = %q, want fallback to firestore project", cfg.Events.ProjectID)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	cfg, err := loadWith(t, map[string]string{
		"APP_SERVER_PORT":              "9090",
		"APP_SERVER_READ_TIMEOUT":      "5s",
		"APP_FIRESTORE_PROJECT_ID":     "kzarre-prod",
		"APP_FIRESTORE_EMULATOR_HOST":  "localhost:8200",
		"APP_STRIPE_API_KEY":           "sk_live_123",
		"APP_STRIPE_WEBHOOK_SECRET":    "whsec_123",
		"APP_CHECKOUT_CURRENCY":        "usd",
		"APP_CHECKOUT_DELIVERY_FEE":    "2500",
		"APP_CHECKOUT_FRONTEND_URL":    "https://shop.example.com",
		"APP_CHECKOUT_DEFAULT_COURIER": "shipfast",
		"APP_CHECKOUT_AUTO_SHIP":       "off",
		"APP_COURIER_WEBHOOK_SECRET":   "hmac-secret",
		"APP_COURIER_REQUEST_TIMEOUT":  "30s",
		"APP_COURIER_CLOCK_SKEW":       "2m",
		"APP_ADMIN_API_KEY":            "adm_123",
		"APP_EVENTS_PROJECT_ID":        "kzarre-events",
		"APP_EVENTS_TOPIC":             "order-events",
		"APP_WEBHOOK_EVENT_TTL":        "24h",
		"APP_WEBHOOK_CLEANUP_INTERVAL": "15m",
		"APP_WEBHOOK_CLEANUP_BATCH":    "50",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.ReadTimeout != 5*time.Second {
		t.Errorf("server = %q/%v", cfg.Server.Port, cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.EmulatorHost != "localhost:8200" {
		t.Errorf("Firestore.EmulatorHost = %q", cfg.Firestore.EmulatorHost)
	}
	if cfg.Stripe.APIKey != "sk_live_123" || cfg.Stripe.WebhookSecret != "whsec_123" {
		t.Errorf("stripe = %q/%q", cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret)
	}
	if cfg.Checkout.Currency != "USD" {
		t.Errorf("Checkout.Currency = %q, want uppercased USD", cfg.Checkout.Currency)
	}
	if cfg.Checkout.DeliveryFee != 2500 || cfg.Checkout.DefaultCourier != "shipfast" {
		t.Errorf("checkout = %d/%q", cfg.Checkout.DeliveryFee, cfg.Checkout.DefaultCourier)
	}
	if cfg.Checkout.AutoShipOnPayment {
		t.Error("AutoShipOnPayment should parse off as false")
	}
	if cfg.Couriers.WebhookSecret != "hmac-secret" || cfg.Couriers.ClockSkew != 2*time.Minute {
		t.Errorf("couriers = %q/%v", cfg.Couriers.WebhookSecret, cfg.Couriers.ClockSkew)
	}
	if cfg.Admin.APIKey != "adm_123" {
		t.Errorf("Admin.APIKey = %q", cfg.Admin.APIKey)
	}
	if cfg.Events.ProjectID != "kzarre-events" || cfg.Events.Topic != "order-events" {
		t.Errorf("events = %q/%q", cfg.Events.ProjectID, cfg.Events.Topic)
	}
	if cfg.Webhooks.EventTTL != 24*time.Hour || cfg.Webhooks.CleanupBatchSize != 50 {
		t.Errorf("webhooks = %v/%d", cfg.Webhooks.EventTTL, cfg.Webhooks.CleanupBatchSize)
	}
}

func TestLoadMissingProjectID(t *testing.T) {
	_, err := loadWith(t, map[string]string{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T %v", err, err)
	}
	if !containsField(validation.Fields(), "Firestore.ProjectID") {
		t.Fatalf("fields = %v, want Firestore.ProjectID", validation.Fields())
	}
}

func TestLoadRejectsInvalidWebhookSettings(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"APP_FIRESTORE_PROJECT_ID":     "kzarre-dev",
		"APP_WEBHOOK_EVENT_TTL":        "0s",
		"APP_WEBHOOK_CLEANUP_INTERVAL": "0s",
		"APP_WEBHOOK_CLEANUP_BATCH":    "-1",
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validation.Fields()
	for _, want := range []string{"Webhooks.EventTTL", "Webhooks.CleanupInterval", "Webhooks.CleanupBatchSize"} {
		if !containsField(fields, want) {
			t.Errorf("fields = %v, missing %s", fields, want)
		}
	}
}

func TestLoadRejectsNegativeDeliveryFee(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"APP_FIRESTORE_PROJECT_ID":  "kzarre-dev",
		"APP_CHECKOUT_DELIVERY_FEE": "-100",
	})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !containsField(validation.Fields(), "Checkout.DeliveryFee") {
		t.Fatalf("fields = %v, want Checkout.DeliveryFee", validation.Fields())
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	var resolved []string
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		resolved = append(resolved, ref)
		switch ref {
		case "secret://stripe-api-key":
			return "sk_from_sm", nil
		case "secret://admin-key":
			return "adm_from_sm", nil
		}
		return "", errors.New("unknown ref")
	})

	cfg, err := loadWith(t, map[string]string{
		"APP_FIRESTORE_PROJECT_ID": "kzarre-dev",
		"APP_STRIPE_API_KEY":       "secret://stripe-api-key",
		"APP_ADMIN_API_KEY":        "sm://admin-key",
	}, WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Stripe.APIKey != "sk_from_sm" {
		t.Errorf("Stripe.APIKey = %q, want resolved value", cfg.Stripe.APIKey)
	}
	if cfg.Admin.APIKey != "adm_from_sm" {
		t.Errorf("Admin.APIKey = %q, want sm:// normalised and resolved", cfg.Admin.APIKey)
	}
	if len(resolved) != 2 {
		t.Errorf("resolver calls = %v, want exactly the two references", resolved)
	}
}

func TestLoadSecretResolutionFailure(t *testing.T) {
	resolver := SecretResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("permission denied")
	})

	_, err := loadWith(t, map[string]string{
		"APP_FIRESTORE_PROJECT_ID": "kzarre-dev",
		"APP_STRIPE_API_KEY":       "secret://stripe-api-key",
	}, WithSecretResolver(resolver))

	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T %v", err, err)
	}
	if secretErr.Ref != "secret://stripe-api-key" {
		t.Errorf("Ref = %q", secretErr.Ref)
	}
}

func TestLoadSecretReferenceWithoutResolver(t *testing.T) {
	_, err := loadWith(t, map[string]string{
		"APP_FIRESTORE_PROJECT_ID": "kzarre-dev",
		"APP_ADMIN_API_KEY":        "secret://admin-key",
	})
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected unconfigured resolver error, got %v", err)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "# local overrides\n" +
		"export APP_FIRESTORE_PROJECT_ID=kzarre-local\n" +
		"APP_SERVER_PORT=\"3000\"\n" +
		"APP_CHECKOUT_CURRENCY='eur'\n" +
		"not-a-pair\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(envFile),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"APP_SERVER_PORT": "4000",
		}),
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Firestore.ProjectID != "kzarre-local" {
		t.Errorf("Firestore.ProjectID = %q, want value from .env", cfg.Firestore.ProjectID)
	}
	if cfg.Server.Port != "4000" {
		t.Errorf("Server.Port = %q, env map should win over .env", cfg.Server.Port)
	}
	if cfg.Checkout.Currency != "EUR" {
		t.Errorf("Checkout.Currency = %q, want quotes stripped and uppercased", cfg.Checkout.Currency)
	}
}

func TestLoadMissingDotEnvFileIsIgnored(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(filepath.Join(t.TempDir(), "absent.env")),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"APP_FIRESTORE_PROJECT_ID": "kzarre-dev",
		}),
	)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Firestore.ProjectID != "kzarre-dev" {
		t.Errorf("Firestore.ProjectID = %q", cfg.Firestore.ProjectID)
	}
}

func containsField(fields []string, want string) bool {
	for _, f := range fields {
		if f == want {
			return true
		}
	}
	return false
}
