package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Kzarr-e/kzarre-backend/internal/domain"
	"github.com/Kzarr-e/kzarre-backend/internal/repositories"
)

// ErrCourierInvalidInput signals an invalid carrier configuration.
var ErrCourierInvalidInput = errors.New("couriers: invalid input")

// ErrCourierNotFound indicates the carrier configuration could not be located.
var ErrCourierNotFound = errors.New("couriers: partner not found")

// CourierAdminServiceDeps bundles collaborators for the courier admin service.
type CourierAdminServiceDeps struct {
	Partners repositories.CourierPartnerRepository
}

type courierAdminService struct {
	partners repositories.CourierPartnerRepository
}

// NewCourierAdminService wires dependencies into a concrete CourierAdminService.
func NewCourierAdminService(deps CourierAdminServiceDeps) (CourierAdminService, error) {
	if deps.Partners == nil {
		return nil, errors.New("courier admin service: partner repository is required")
	}
	return &courierAdminService{
		partners: deps.Partners,
	}, nil
}

func (s *courierAdminService) UpsertPartner(ctx context.Context, cmd UpsertCourierPartnerCommand) (domain.CourierPartner, error) {
	partner := cmd.Partner
	partner.Slug = strings.ToLower(strings.TrimSpace(partner.Slug))

	if err := validatePartner(partner); err != nil {
		return domain.CourierPartner{}, err
	}

	if err := s.partners.Upsert(ctx, partner); err != nil {
		return domain.CourierPartner{}, s.mapRepositoryError(err)
	}

	stored, err := s.partners.FindBySlug(ctx, partner.Slug)
	if err != nil {
		return domain.CourierPartner{}, s.mapRepositoryError(err)
	}
	return stored, nil
}

func (s *courierAdminService) GetPartner(ctx context.Context, slug string) (domain.CourierPartner, error) {
	trimmed := strings.ToLower(strings.TrimSpace(slug))
	if trimmed == "" {
		return domain.CourierPartner{}, fmt.Errorf("%w: slug is required", ErrCourierInvalidInput)
	}
	partner, err := s.partners.FindBySlug(ctx, trimmed)
	if err != nil {
		return domain.CourierPartner{}, s.mapRepositoryError(err)
	}
	return partner, nil
}

func (s *courierAdminService) ListPartners(ctx context.Context) ([]domain.CourierPartner, error) {
	partners, err := s.partners.List(ctx)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return partners, nil
}

func (s *courierAdminService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsNotFound() {
		return fmt.Errorf("%w: %v", ErrCourierNotFound, err)
	}
	return err
}

func validatePartner(partner domain.CourierPartner) error {
	if partner.Slug == "" {
		return fmt.Errorf("%w: slug is required", ErrCourierInvalidInput)
	}
	if strings.TrimSpace(partner.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrCourierInvalidInput)
	}
	switch partner.Environment {
	case domain.CourierEnvironmentSandbox, domain.CourierEnvironmentProduction:
	default:
		return fmt.Errorf("%w: unknown environment %q", ErrCourierInvalidInput, partner.Environment)
	}
	if strings.TrimSpace(partner.BaseURL()) == "" {
		return fmt.Errorf("%w: base url for environment %s is required", ErrCourierInvalidInput, partner.Environment)
	}
	switch partner.Auth.Scheme {
	case domain.CourierAuthAPIKey:
		if strings.TrimSpace(partner.Auth.Key) == "" {
			return fmt.Errorf("%w: api key auth requires a key", ErrCourierInvalidInput)
		}
	case domain.CourierAuthBearer:
		if strings.TrimSpace(partner.Auth.Token) == "" {
			return fmt.Errorf("%w: bearer auth requires a token", ErrCourierInvalidInput)
		}
	case domain.CourierAuthBasic:
		if strings.TrimSpace(partner.Auth.Username) == "" {
			return fmt.Errorf("%w: basic auth requires a username", ErrCourierInvalidInput)
		}
	case domain.CourierAuthOAuth2:
		if strings.TrimSpace(partner.Auth.TokenURL) == "" ||
			strings.TrimSpace(partner.Auth.ClientID) == "" ||
			strings.TrimSpace(partner.Auth.ClientSecret) == "" {
			return fmt.Errorf("%w: oauth2 auth requires token url and client credentials", ErrCourierInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown auth scheme %q", ErrCourierInvalidInput, partner.Auth.Scheme)
	}
	if strings.TrimSpace(partner.Endpoints.CreateShipment) == "" {
		return fmt.Errorf("%w: createShipment endpoint is required", ErrCourierInvalidInput)
	}
	return nil
}
