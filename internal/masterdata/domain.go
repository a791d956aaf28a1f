package masterdata

import "errors"

// Product is the catalog view this engine consumes. Usage eligibility flags
// gate which batch usage types a product may be stocked under.
type Product struct {
	ID            int64  `json:"id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	ShelfLife     string `json:"shelf_life"`
	OTCEligible   bool   `json:"otc_eligible"`
	SalonEligible bool   `json:"salon_eligible"`
	Active        bool   `json:"active"`
}

// Branch is one retail location. The manager code hash backs the
// force-adjustment gate and never leaves this package.
type Branch struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

var (
	// ErrProductNotFound indicates no such product exists.
	ErrProductNotFound = errors.New("masterdata: product not found")
	// ErrBranchNotFound indicates no such branch exists.
	ErrBranchNotFound = errors.New("masterdata: branch not found")
)
