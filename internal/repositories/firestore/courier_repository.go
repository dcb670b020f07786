package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	pfirestore "github.com/Kzarr-e/kzarre-backend/internal/platform/firestore"
)

const courierPartnersCollection = "courierPartners"

type courierPartnerDocument struct {
	Name        string                    `firestore:"name"`
	Enabled     bool                      `firestore:"enabled"`
	Environment domain.CourierEnvironment `firestore:"environment"`
	BaseURLs    domain.CourierBaseURLs    `firestore:"baseUrls"`
	Auth        domain.CourierAuth        `firestore:"auth"`
	Endpoints   domain.CourierEndpoints   `firestore:"endpoints"`
	Currency    string                    `firestore:"currency,omitempty"`
	UpdatedAt   time.Time                 `firestore:"updatedAt"`
}

func newCourierPartnerDocument(partner domain.CourierPartner) courierPartnerDocument {
	return courierPartnerDocument{
		Name:        partner.Name,
		Enabled:     partner.Enabled,
		Environment: partner.Environment,
		BaseURLs:    partner.BaseURLs,
		Auth:        partner.Auth,
		Endpoints:   partner.Endpoints,
		Currency:    partner.Currency,
		UpdatedAt:   partner.UpdatedAt,
	}
}

func (d courierPartnerDocument) toDomain(slug string) domain.CourierPartner {
	return domain.CourierPartner{
		Slug:        slug,
		Name:        d.Name,
		Enabled:     d.Enabled,
		Environment: d.Environment,
		BaseURLs:    d.BaseURLs,
		Auth:        d.Auth,
		Endpoints:   d.Endpoints,
		Currency:    d.Currency,
		UpdatedAt:   d.UpdatedAt,
	}
}

// CourierPartnerRepository stores carrier configurations keyed by slug.
type CourierPartnerRepository struct {
	provider *pfirestore.Provider
	partners *pfirestore.BaseRepository[courierPartnerDocument]
}

// NewCourierPartnerRepository constructs a Firestore-backed courier partner repository.
func NewCourierPartnerRepository(provider *pfirestore.Provider) (*CourierPartnerRepository, error) {
	if provider == nil {
		return nil, errors.New("courier partner repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[courierPartnerDocument](provider, courierPartnersCollection, nil, nil)
	return &CourierPartnerRepository{
		provider: provider,
		partners: base,
	}, nil
}

// Upsert writes the partner configuration. UpdatedAt is stamped so cached
// booking clients rebuild on the next use.
func (r *CourierPartnerRepository) Upsert(ctx context.Context, partner domain.CourierPartner) error {
	slug := strings.TrimSpace(partner.Slug)
	if slug == "" {
		return errors.New("firestore courierPartners: slug is required")
	}
	doc := newCourierPartnerDocument(partner)
	doc.UpdatedAt = time.Now().UTC()
	_, err := r.partners.Set(ctx, slug, doc)
	return err
}

// FindBySlug fetches one partner configuration.
func (r *CourierPartnerRepository) FindBySlug(ctx context.Context, slug string) (domain.CourierPartner, error) {
	doc, err := r.partners.Get(ctx, strings.TrimSpace(slug))
	if err != nil {
		return domain.CourierPartner{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindEnabled returns the first enabled partner in slug order.
func (r *CourierPartnerRepository) FindEnabled(ctx context.Context) (domain.CourierPartner, error) {
	docs, err := r.partners.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("enabled", "==", true).
			OrderBy(firestore.DocumentID, firestore.Asc).
			Limit(1)
	})
	if err != nil {
		return domain.CourierPartner{}, err
	}
	if len(docs) == 0 {
		return domain.CourierPartner{}, pfirestore.NewNotFoundError("courierPartners.findEnabled",
			errors.New("no enabled courier partner configured"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns all configured partners in slug order.
func (r *CourierPartnerRepository) List(ctx context.Context) ([]domain.CourierPartner, error) {
	docs, err := r.partners.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.OrderBy(firestore.DocumentID, firestore.Asc)
	})
	if err != nil {
		return nil, err
	}
	partners := make([]domain.CourierPartner, 0, len(docs))
	for _, doc := range docs {
		partners = append(partners, doc.Data.toDomain(doc.ID))
	}
	return partners, nil
}
