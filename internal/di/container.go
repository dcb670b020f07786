package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/Kzarr-e/kzarre-backend/internal/couriers"
	"github.com/Kzarr-e/kzarre-backend/internal/payments"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/config"
	pfirestore "github.com/Kzarr-e/kzarre-backend/internal/platform/firestore"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/events"
	"github.com/Kzarr-e/kzarre-backend/internal/platform/idempotency"
	firestoreRepo "github.com/Kzarr-e/kzarre-backend/internal/repositories/firestore"
	"github.com/Kzarr-e/kzarre-backend/internal/services"
)

// Container wires platform clients, repositories, and services for runtime use.
// Handlers depend only on the service contracts it exposes.
type Container struct {
	Config config.Config

	Lifecycle     services.LifecycleService
	CourierAdmin  services.CourierAdminService
	WebhookEvents *idempotency.FirestoreStore

	provider     *pfirestore.Provider
	pubsubClient *pubsub.Client
	pubsubTopic  *pubsub.Topic
}

type containerOptions struct {
	gateway   payments.Gateway
	publisher services.OrderEventPublisher
	clock     func() time.Time
}

// Option customises container construction, primarily for tests and partial wirings.
type Option func(*containerOptions)

// WithGateway overrides the payment gateway built from configuration.
func WithGateway(gateway payments.Gateway) Option {
	return func(o *containerOptions) {
		o.gateway = gateway
	}
}

// WithEventPublisher overrides the Pub/Sub order event publisher.
func WithEventPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) {
		o.publisher = publisher
	}
}

// WithClock injects a custom clock shared by all services.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// NewContainer constructs the runtime dependencies from configuration.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	options := containerOptions{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	c := &Container{Config: cfg}

	c.provider = pfirestore.NewProvider(cfg.Firestore)
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("di: firestore client: %w", err)
	}

	orderRepo, err := firestoreRepo.NewOrderRepository(c.provider)
	if err != nil {
		return nil, fmt.Errorf("di: order repository: %w", err)
	}
	productRepo, err := firestoreRepo.NewProductRepository(c.provider)
	if err != nil {
		return nil, fmt.Errorf("di: product repository: %w", err)
	}
	partnerRepo, err := firestoreRepo.NewCourierPartnerRepository(c.provider)
	if err != nil {
		return nil, fmt.Errorf("di: courier partner repository: %w", err)
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(c.provider)
	if err != nil {
		return nil, fmt.Errorf("di: counter repository: %w", err)
	}

	gateway := options.gateway
	if gateway == nil {
		if strings.TrimSpace(cfg.Stripe.APIKey) == "" {
			return nil, errors.New("di: stripe api key is required")
		}
		stripeGateway, err := payments.NewStripeGateway(payments.StripeGatewayConfig{
			APIKey: cfg.Stripe.APIKey,
			Logger: zapEventLogger(logger.Named("stripe")),
			Clock:  options.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("di: stripe gateway: %w", err)
		}
		gateway = stripeGateway
	}

	registry := couriers.NewRegistry(
		couriers.WithRegistryHTTPClient(&http.Client{}),
		couriers.WithRegistryLogger(zapEventLogger(logger.Named("couriers"))),
		couriers.WithRegistryTimeout(cfg.Couriers.RequestTimeout),
	)

	publisher := options.publisher
	if publisher == nil && strings.TrimSpace(cfg.Events.Topic) != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("di: pubsub client: %w", err)
		}
		c.pubsubClient = pubsubClient
		c.pubsubTopic = pubsubClient.Topic(cfg.Events.Topic)
		pubsubPublisher, err := events.NewPubSubOrderEventPublisher(c.pubsubTopic)
		if err != nil {
			return nil, fmt.Errorf("di: order event publisher: %w", err)
		}
		publisher = pubsubPublisher
	}

	c.WebhookEvents = idempotency.NewFirestoreStore(client)

	lifecycle, err := services.NewLifecycleService(services.LifecycleServiceDeps{
		Orders:     orderRepo,
		Products:   productRepo,
		Partners:   partnerRepo,
		Counters:   counterRepo,
		Gateway:    gateway,
		Couriers:   registry,
		UnitOfWork: c.provider,
		Events:     publisher,
		Clock:      options.clock,
		Logger:     zapEventLogger(logger.Named("lifecycle")),
		Checkout: services.CheckoutSettings{
			Currency:          cfg.Checkout.Currency,
			DeliveryFee:       cfg.Checkout.DeliveryFee,
			FrontendBaseURL:   cfg.Checkout.FrontendBaseURL,
			DefaultCourier:    cfg.Checkout.DefaultCourier,
			AutoShipOnPayment: cfg.Checkout.AutoShipOnPayment,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("di: lifecycle service: %w", err)
	}
	c.Lifecycle = lifecycle

	courierAdmin, err := services.NewCourierAdminService(services.CourierAdminServiceDeps{
		Partners: partnerRepo,
	})
	if err != nil {
		return nil, fmt.Errorf("di: courier admin service: %w", err)
	}
	c.CourierAdmin = courierAdmin

	return c, nil
}

// FirestoreClient exposes the shared Firestore client, e.g. for readiness probes.
func (c *Container) FirestoreClient(ctx context.Context) (*firestore.Client, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("di: container not initialised")
	}
	return c.provider.Client(ctx)
}

// Close releases the Firestore and Pub/Sub clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.pubsubTopic != nil {
		c.pubsubTopic.Stop()
	}
	if c.pubsubClient != nil {
		if err := c.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if c.provider != nil {
		if err := c.provider.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close firestore provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
