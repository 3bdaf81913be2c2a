package fees

import (
	"math/rand"
	"testing"

	"github.com/mbd888/escrowd/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute_ReferenceScenario(t *testing.T) {
	b, err := Compute(10000, d("0.05"), d("0.10"))
	require.NoError(t, err)

	assert.Equal(t, Breakdown{
		AgreedPrice:       10000,
		BuyerFee:          500,
		SellerFee:         1000,
		PlatformFee:       1500,
		SellerNetAmount:   9000,
		TotalBuyerPayment: 10500,
	}, b)
}

func TestCompute_RoundsHalfUp(t *testing.T) {
	tests := []struct {
		price   int64
		rate    string
		wantFee int64
	}{
		{10, "0.05", 1},      // 0.5 -> 1
		{9, "0.05", 0},       // 0.45 -> 0
		{30, "0.05", 2},      // 1.5 -> 2
		{1999, "0.10", 200},  // 199.9 -> 200
		{1234, "0.125", 154}, // 154.25 -> 154
		{1236, "0.125", 155}, // 154.5 -> 155
	}
	for _, tt := range tests {
		b, err := Compute(tt.price, d(tt.rate), decimal.Zero)
		require.NoError(t, err)
		assert.Equal(t, tt.wantFee, b.BuyerFee, "price=%d rate=%s", tt.price, tt.rate)
	}
}

func TestCompute_Errors(t *testing.T) {
	_, err := Compute(0, d("0.05"), d("0.10"))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = Compute(-100, d("0.05"), d("0.10"))
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	_, err = Compute(100, d("-0.01"), d("0.10"))
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	_, err = Compute(100, d("0.05"), d("1.0001"))
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	// Boundary rates are valid.
	b, err := Compute(100, decimal.Zero, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.SellerNetAmount)
}

func TestCompute_NoRoundingDrift(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5000; i++ {
		price := rng.Int63n(10_000_000) + 1
		buyer := decimal.New(rng.Int63n(10001), -4)
		seller := decimal.New(rng.Int63n(10001), -4)

		b, err := Compute(price, buyer, seller)
		require.NoError(t, err)

		assert.Equal(t, b.PlatformFee, b.BuyerFee+b.SellerFee)
		assert.Equal(t, price, b.SellerNetAmount+b.SellerFee)
		assert.Equal(t, price+b.BuyerFee, b.TotalBuyerPayment)
	}
}

func TestRates(t *testing.T) {
	assert.NoError(t, DefaultRates.Validate())
	assert.True(t, DefaultRates.Platform().Equal(d("0.15")))
	assert.ErrorIs(t, Rates{Buyer: d("2"), Seller: d("0")}.Validate(), domain.ErrInvalidRate)

	b, err := DefaultRates.Apply(10000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), b.PlatformFee)
}
