// Package refdata provides read-only lookups against externally owned
// reference data. Products and warehouses are maintained elsewhere; the
// ledger only needs a handful of attributes from them.
package refdata

import "errors"

// Product carries the attributes the inventory ledger needs.
type Product struct {
	ID         int64
	Name       string
	UnitWeight float64
}

// Warehouse carries identity plus the default flag.
type Warehouse struct {
	ID        int64
	Name      string
	IsDefault bool
}

// ErrProductNotFound indicates an unknown product id.
var ErrProductNotFound = errors.New("refdata: product not found")

// ErrWarehouseNotFound indicates an unknown warehouse id.
var ErrWarehouseNotFound = errors.New("refdata: warehouse not found")
