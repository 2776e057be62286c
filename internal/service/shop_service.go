package service

import (
	"context"

	"github.com/parcelchain/custodia/internal/models"
	"github.com/parcelchain/custodia/internal/pkg/apperrors"
	"github.com/parcelchain/custodia/internal/repository"
)

// CreateShopItemRequest is a seller's new listing.
type CreateShopItemRequest struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	PriceCents  int64  `json:"priceCents" validate:"required,gt=0"`
	Stock       int    `json:"stock" validate:"gte=0"`
}

// ShopItemService manages seller listings.
type ShopItemService interface {
	Create(ctx context.Context, sellerID string, req CreateShopItemRequest) (*models.ShopItem, error)
	Get(ctx context.Context, itemID string) (*models.ShopItem, error)
	List(ctx context.Context, sellerID string) ([]*models.ShopItem, error)
}

type shopItemService struct {
	items repository.ShopItemRepository
}

// NewShopItemService creates the shop item service.
func NewShopItemService(items repository.ShopItemRepository) ShopItemService {
	return &shopItemService{items: items}
}

// Create lists a new item for the seller.
func (s *shopItemService) Create(ctx context.Context, sellerID string, req CreateShopItemRequest) (*models.ShopItem, error) {
	item := &models.ShopItem{
		SellerID:    sellerID,
		Name:        req.Name,
		Description: req.Description,
		PriceCents:  req.PriceCents,
		Stock:       req.Stock,
	}
	if err := s.items.Create(ctx, item); err != nil {
		return nil, apperrors.DependencyFailure(err, "creating shop item")
	}
	return item, nil
}

// Get returns an item by id.
func (s *shopItemService) Get(ctx context.Context, itemID string) (*models.ShopItem, error) {
	item, err := s.items.GetByID(ctx, itemID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "loading shop item")
	}
	if item == nil {
		return nil, apperrors.NotFound("shop item %s does not exist", itemID)
	}
	return item, nil
}

// List returns all items, optionally filtered by seller.
func (s *shopItemService) List(ctx context.Context, sellerID string) ([]*models.ShopItem, error) {
	items, err := s.items.List(ctx, sellerID)
	if err != nil {
		return nil, apperrors.DependencyFailure(err, "listing shop items")
	}
	return items, nil
}
