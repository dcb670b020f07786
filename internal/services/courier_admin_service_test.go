package services

import (
	"context"
	"errors"
	"testing"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
)

func newCourierAdminFixture(t *testing.T) (*stubPartnerRepo, CourierAdminService) {
	t.Helper()
	partners := newStubPartnerRepo()
	service, err := NewCourierAdminService(CourierAdminServiceDeps{Partners: partners})
	if err != nil {
		t.Fatalf("NewCourierAdminService: %v", err)
	}
	return partners, service
}

func TestUpsertPartnerNormalisesSlug(t *testing.T) {
	partners, service := newCourierAdminFixture(t)

	partner := enabledPartner()
	partner.Slug = "  ShipFast  "
	stored, err := service.UpsertPartner(context.Background(), UpsertCourierPartnerCommand{Partner: partner})
	if err != nil {
		t.Fatalf("UpsertPartner: %v", err)
	}
	if stored.Slug != "shipfast" {
		t.Fatalf("expected lowercased slug, got %q", stored.Slug)
	}
	if _, ok := partners.partners["shipfast"]; !ok {
		t.Fatalf("expected partner stored under normalised slug")
	}
}

func TestUpsertPartnerAcceptsOAuth2(t *testing.T) {
	_, service := newCourierAdminFixture(t)

	partner := enabledPartner()
	partner.Auth = domain.CourierAuth{
		Scheme:       domain.CourierAuthOAuth2,
		TokenURL:     "https://id.shipfast.test/token",
		ClientID:     "kzarre",
		ClientSecret: "s3cret",
	}
	stored, err := service.UpsertPartner(context.Background(), UpsertCourierPartnerCommand{Partner: partner})
	if err != nil {
		t.Fatalf("UpsertPartner: %v", err)
	}
	if stored.Auth.Scheme != domain.CourierAuthOAuth2 {
		t.Fatalf("unexpected auth scheme %q", stored.Auth.Scheme)
	}
}

func TestUpsertPartnerValidation(t *testing.T) {
	_, service := newCourierAdminFixture(t)

	cases := []struct {
		name   string
		mutate func(*domain.CourierPartner)
	}{
		{"missing slug", func(p *domain.CourierPartner) { p.Slug = "" }},
		{"missing name", func(p *domain.CourierPartner) { p.Name = " " }},
		{"unknown environment", func(p *domain.CourierPartner) { p.Environment = "staging" }},
		{"missing base url", func(p *domain.CourierPartner) { p.BaseURLs = domain.CourierBaseURLs{} }},
		{"api key without key", func(p *domain.CourierPartner) { p.Auth.Key = "" }},
		{"bearer without token", func(p *domain.CourierPartner) {
			p.Auth = domain.CourierAuth{Scheme: domain.CourierAuthBearer}
		}},
		{"basic without username", func(p *domain.CourierPartner) {
			p.Auth = domain.CourierAuth{Scheme: domain.CourierAuthBasic, Password: "secret"}
		}},
		{"oauth2 without token url", func(p *domain.CourierPartner) {
			p.Auth = domain.CourierAuth{Scheme: domain.CourierAuthOAuth2, ClientID: "id", ClientSecret: "secret"}
		}},
		{"oauth2 without client secret", func(p *domain.CourierPartner) {
			p.Auth = domain.CourierAuth{Scheme: domain.CourierAuthOAuth2, TokenURL: "https://id.shipfast.test/token", ClientID: "id"}
		}},
		{"unknown auth scheme", func(p *domain.CourierPartner) { p.Auth.Scheme = "hmac" }},
		{"missing createShipment endpoint", func(p *domain.CourierPartner) {
			p.Endpoints.CreateShipment = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			partner := enabledPartner()
			tc.mutate(&partner)
			_, err := service.UpsertPartner(context.Background(), UpsertCourierPartnerCommand{Partner: partner})
			if !errors.Is(err, ErrCourierInvalidInput) {
				t.Fatalf("expected ErrCourierInvalidInput, got %v", err)
			}
		})
	}
}

func TestGetPartnerNotFound(t *testing.T) {
	_, service := newCourierAdminFixture(t)

	_, err := service.GetPartner(context.Background(), "missing")
	if !errors.Is(err, ErrCourierNotFound) {
		t.Fatalf("expected ErrCourierNotFound, got %v", err)
	}
}

func TestGetPartnerTrimsSlug(t *testing.T) {
	partners, service := newCourierAdminFixture(t)
	partners.partners["shipfast"] = enabledPartner()

	partner, err := service.GetPartner(context.Background(), " ShipFast ")
	if err != nil {
		t.Fatalf("GetPartner: %v", err)
	}
	if partner.Slug != "shipfast" {
		t.Fatalf("unexpected partner %+v", partner)
	}
}

func TestListPartners(t *testing.T) {
	partners, service := newCourierAdminFixture(t)
	partners.partners["shipfast"] = enabledPartner()
	disabled := enabledPartner()
	disabled.Slug = "slowpost"
	disabled.Enabled = false
	partners.partners["slowpost"] = disabled

	listed, err := service.ListPartners(context.Background())
	if err != nil {
		t.Fatalf("ListPartners: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 partners, got %d", len(listed))
	}
}
