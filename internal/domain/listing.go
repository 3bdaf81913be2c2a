package domain

import "time"

// ListingStatus is the lifecycle state of a listing. Only listing management
// moves listings between most of these states; the engine only flips to SOLD.
type ListingStatus string

const (
	ListingDraft         ListingStatus = "DRAFT"
	ListingPendingReview ListingStatus = "PENDING_REVIEW"
	ListingActive        ListingStatus = "ACTIVE"
	ListingSold          ListingStatus = "SOLD"
	ListingExpired       ListingStatus = "EXPIRED"
	ListingCancelled     ListingStatus = "CANCELLED"
	ListingSuspended     ListingStatus = "SUSPENDED"
)

// Valid reports whether s is a known listing status.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingDraft, ListingPendingReview, ListingActive, ListingSold,
		ListingExpired, ListingCancelled, ListingSuspended:
		return true
	}
	return false
}

// Listing is an item offered for sale by a seller. Prices are minor units.
type Listing struct {
	ID            string        `json:"id"`
	SellerID      string        `json:"sellerId"`
	AskingPrice   int64         `json:"askingPrice"`
	OriginalPrice int64         `json:"originalPrice"`
	Negotiable    bool          `json:"negotiable"`
	Status        ListingStatus `json:"status"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Purchasable reports whether a transaction may be created against the listing.
func (l *Listing) Purchasable() bool {
	return l.Status == ListingDraft || l.Status == ListingActive
}

// CheckPurchasable returns ListingAlreadySold or ListingNotAvailable when the
// listing cannot be bought.
func (l *Listing) CheckPurchasable() error {
	if l.Status == ListingSold {
		return ErrListingAlreadySold
	}
	if !l.Purchasable() {
		return ErrListingNotAvailable
	}
	return nil
}
