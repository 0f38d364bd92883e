package listing

import "time"

// Listing captures the subset of listing data the payments flow depends on.
type Listing struct {
	ID        string
	SellerID  string
	Title     string
	Price     int64
	Active    bool
	CreatedAt time.Time
}
