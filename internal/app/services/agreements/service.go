// Package agreements implements the licensing agreement registry: a plain
// keyed-record store the settlement engines read controlling accounts and
// rate handles from.
package agreements

import (
	"context"
	"fmt"
	"strings"

	domain "github.com/CLS-Network/settlement_layer/internal/app/domain/royalty"
	"github.com/CLS-Network/settlement_layer/internal/app/storage"
	"github.com/CLS-Network/settlement_layer/pkg/logger"
)

// Service manages licensing agreement records.
type Service struct {
	store storage.AgreementStore
	log   *logger.Logger
}

// New constructs the agreements registry service.
func New(store storage.AgreementStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("agreements")
	}
	return &Service{store: store, log: log}
}

// Create registers a new agreement covering an asset. The rate stays inside
// its ciphertext handle.
func (s *Service) Create(ctx context.Context, assetID, licensor, licensee, rateCiphertext string) (domain.Agreement, error) {
	assetID = strings.TrimSpace(assetID)
	licensor = strings.TrimSpace(licensor)

	if assetID == "" {
		return domain.Agreement{}, fmt.Errorf("asset_id is required")
	}
	if licensor == "" {
		return domain.Agreement{}, fmt.Errorf("licensor is required")
	}
	if rateCiphertext == "" {
		return domain.Agreement{}, fmt.Errorf("rate ciphertext is required")
	}

	status := domain.AgreementDraft
	if licensee = strings.TrimSpace(licensee); licensee != "" {
		status = domain.AgreementActive
	}

	agr := domain.Agreement{
		AssetID:        assetID,
		Licensor:       licensor,
		Licensee:       licensee,
		RateCiphertext: rateCiphertext,
		Status:         status,
	}
	agr, err := s.store.CreateAgreement(ctx, agr)
	if err != nil {
		return domain.Agreement{}, err
	}

	s.log.WithField("agreement_id", agr.ID).
		WithField("asset_id", assetID).
		WithField("status", string(agr.Status)).
		Info("agreement created")
	return agr, nil
}

// SetStatus transitions the agreement's status. Only the licensor may do so.
func (s *Service) SetStatus(ctx context.Context, id, caller string, status domain.AgreementStatus) (domain.Agreement, error) {
	agr, err := s.store.GetAgreement(ctx, id)
	if err != nil {
		return domain.Agreement{}, err
	}
	if agr.Licensor != caller {
		return domain.Agreement{}, fmt.Errorf("caller %s does not control agreement %s", caller, id)
	}
	if agr.Status == status {
		return agr, nil
	}

	agr.Status = status
	agr, err = s.store.UpdateAgreement(ctx, agr)
	if err != nil {
		return domain.Agreement{}, err
	}

	s.log.WithField("agreement_id", id).
		WithField("status", string(status)).
		Info("agreement status changed")
	return agr, nil
}

// ControllingAccount reports the account that controls the asset.
func (s *Service) ControllingAccount(ctx context.Context, assetID string) (string, error) {
	agr, err := s.store.GetAgreementByAsset(ctx, assetID)
	if err != nil {
		return "", err
	}
	return agr.Licensor, nil
}

// Get retrieves an agreement by id.
func (s *Service) Get(ctx context.Context, id string) (domain.Agreement, error) {
	return s.store.GetAgreement(ctx, id)
}

// GetByAsset retrieves the agreement covering an asset.
func (s *Service) GetByAsset(ctx context.Context, assetID string) (domain.Agreement, error) {
	return s.store.GetAgreementByAsset(ctx, assetID)
}

// List returns all agreements.
func (s *Service) List(ctx context.Context) ([]domain.Agreement, error) {
	return s.store.ListAgreements(ctx)
}
