package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmylchreest/shipper/internal/models"
	"gorm.io/gorm"
)

// chainRepo implements ChainRepository using GORM.
type chainRepo struct {
	db *gorm.DB
}

// NewChainRepository creates a chain repository.
func NewChainRepository(db *gorm.DB) *chainRepo {
	return &chainRepo{db: db}
}

// Create inserts a chain.
func (r *chainRepo) Create(ctx context.Context, chain *models.Chain) error {
	if err := chain.Validate(); err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(chain).Error; err != nil {
		return fmt.Errorf("creating chain: %w", err)
	}
	return nil
}

// GetByStreamKey returns the chain for a stream key, or nil if there is none.
func (r *chainRepo) GetByStreamKey(ctx context.Context, streamKey string) (*models.Chain, error) {
	var chain models.Chain
	if err := r.db.WithContext(ctx).Where("stream_key = ?", streamKey).First(&chain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting chain by stream key: %w", err)
	}
	return &chain, nil
}

// ExistsForStreamKey reports whether an active chain is registered for the key.
func (r *chainRepo) ExistsForStreamKey(ctx context.Context, streamKey string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Chain{}).
		Where("stream_key = ? AND state IN ?", streamKey, activeStates()).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking chain for %s: %w", streamKey, err)
	}
	return count > 0, nil
}

// ListStreamKeys returns the keys of every active chain.
func (r *chainRepo) ListStreamKeys(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).Model(&models.Chain{}).
		Where("state IN ?", activeStates()).
		Order("stream_key ASC").
		Pluck("stream_key", &keys).Error
	if err != nil {
		return nil, fmt.Errorf("listing stream keys: %w", err)
	}
	return keys, nil
}

// UpdateState moves a chain to state.
func (r *chainRepo) UpdateState(ctx context.Context, streamKey string, state models.ChainState) error {
	res := r.db.WithContext(ctx).Model(&models.Chain{}).
		Where("stream_key = ?", streamKey).
		Update("state", state)
	if res.Error != nil {
		return fmt.Errorf("updating chain state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", models.ErrStreamUnknown, streamKey)
	}
	return nil
}

func activeStates() []models.ChainState {
	return []models.ChainState{models.ChainStateReady, models.ChainStateFabricating}
}
