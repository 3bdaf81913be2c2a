// Package fees computes buyer and seller fees for a sale.
//
// Rates are decimals in [0, 1]; amounts are minor currency units. Each fee
// is rounded half-up to the nearest unit once, and platform_fee is the sum
// of the two rounded fees, so the breakdown never drifts.
package fees

import (
	"github.com/mbd888/escrowd/internal/domain"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// Rates is the fee-rate configuration captured on every new transaction.
type Rates struct {
	Buyer  decimal.Decimal
	Seller decimal.Decimal
}

// DefaultRates are 5% charged to the buyer and 10% withheld from the seller.
var DefaultRates = Rates{
	Buyer:  decimal.RequireFromString("0.05"),
	Seller: decimal.RequireFromString("0.10"),
}

// Platform returns the combined rate the platform collects.
func (r Rates) Platform() decimal.Decimal {
	return r.Buyer.Add(r.Seller)
}

// Validate returns domain.ErrInvalidRate if either rate is outside [0, 1].
func (r Rates) Validate() error {
	if !validRate(r.Buyer) || !validRate(r.Seller) {
		return domain.ErrInvalidRate
	}
	return nil
}

// Breakdown is the result of a fee computation.
type Breakdown struct {
	AgreedPrice       int64 `json:"agreedPrice"`
	BuyerFee          int64 `json:"buyerFee"`
	SellerFee         int64 `json:"sellerFee"`
	PlatformFee       int64 `json:"platformFee"`
	SellerNetAmount   int64 `json:"sellerNetAmount"`
	TotalBuyerPayment int64 `json:"totalBuyerPayment"`
}

// Compute derives every fee amount from agreedPrice. It is pure.
func Compute(agreedPrice int64, buyerRate, sellerRate decimal.Decimal) (Breakdown, error) {
	if !validRate(buyerRate) || !validRate(sellerRate) {
		return Breakdown{}, domain.ErrInvalidRate
	}
	if agreedPrice <= 0 {
		return Breakdown{}, domain.ErrInvalidPrice
	}

	buyerFee := roundHalfUp(agreedPrice, buyerRate)
	sellerFee := roundHalfUp(agreedPrice, sellerRate)

	return Breakdown{
		AgreedPrice:       agreedPrice,
		BuyerFee:          buyerFee,
		SellerFee:         sellerFee,
		PlatformFee:       buyerFee + sellerFee,
		SellerNetAmount:   agreedPrice - sellerFee,
		TotalBuyerPayment: agreedPrice + buyerFee,
	}, nil
}

// Apply is Compute with a Rates value.
func (r Rates) Apply(agreedPrice int64) (Breakdown, error) {
	return Compute(agreedPrice, r.Buyer, r.Seller)
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(one)
}

// roundHalfUp multiplies price by rate and rounds to a whole minor unit.
// Both operands are non-negative, so decimal's half-away-from-zero rounding
// is half-up here.
func roundHalfUp(price int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(price).Mul(rate).Round(0).IntPart()
}
