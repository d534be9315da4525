package billing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestStaticPricer(t *testing.T) {
	pricer := NewStaticPricer(map[string]decimal.Decimal{
		"sdxl":      decimal.RequireFromString("2.5"),
		"flux-free": decimal.Zero,
	})

	price, err := pricer.Price("sdxl")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("2.5")))

	price, err = pricer.Price("flux-free")
	require.NoError(t, err)
	require.True(t, price.IsZero())

	_, err = pricer.Price("unknown")
	require.Error(t, err)

	require.ElementsMatch(t, []string{"sdxl", "flux-free"}, pricer.Models())
}
