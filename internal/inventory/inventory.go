// Package inventory holds stock counts in a document store. Every mutation is a
// single conditional update so the guard and the write cannot interleave with
// another saga touching the same SKU.
package inventory

import (
	"context"

	commonerrors "github.com/dualstore/saga/pkg/errors"
)

// Item is one inventory document keyed by SKU.
type Item struct {
	SKU       string `json:"_id" bson:"_id"`
	Available int64  `json:"available" bson:"available"`
	Reserved  int64  `json:"reserved" bson:"reserved"`
}

// Total is the stock owned by the SKU; reserve and release never change it.
func (i Item) Total() int64 {
	return i.Available + i.Reserved
}

// Store is the contract both backends satisfy.
type Store interface {
	Reserve(ctx context.Context, sku string, qty int64) error
	Release(ctx context.Context, sku string, qty int64) error
	Commit(ctx context.Context, sku string, qty int64) error
	Get(ctx context.Context, sku string) (*Item, error)
	List(ctx context.Context) ([]*Item, error)
	Seed(ctx context.Context, items []Item) error
}

// DefaultSeed is the catalogue loaded on a fresh install or reset.
func DefaultSeed() []Item {
	return []Item{
		{SKU: "ITEM-001", Available: 100},
		{SKU: "ITEM-002", Available: 50},
		{SKU: "ITEM-003", Available: 10},
	}
}

func validate(sku string, qty int64) error {
	if sku == "" {
		return commonerrors.New(commonerrors.CodeInvalidParam, "SKU is required")
	}
	if qty <= 0 {
		return commonerrors.New(commonerrors.CodeInvalidParam, "Quantity must be positive")
	}
	return nil
}

func skuNotFound(sku string) error {
	return commonerrors.Newf(commonerrors.CodeSKUNotFound, "Product %s not found", sku)
}

func insufficientStock() error {
	return commonerrors.New(commonerrors.CodeInsufficientStock, "Insufficient stock")
}

func insufficientReserved(sku string) error {
	return commonerrors.Newf(commonerrors.CodeInsufficientReserved, "reserved stock for %s is lower than requested", sku)
}

func unavailable(op string, err error) error {
	return commonerrors.Wrap(commonerrors.CodeUnavailable, "inventory unavailable: "+op, err)
}
