package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriceAuto(t *testing.T) {
	cases := []struct {
		input string
		want  float64
	}{
		{"€1.234,56", 1234.56},
		{"$19.99", 19.99},
		{"1999", 1999},
		{"€ 49,00", 49},
		{"1,234.50 USD", 1234.5},
		{"1.234", 1234},
		{"1.234.567", 1234567},
		{"12,5", 12.5},
		{"19.999", 19999},
		{"€ 7,499", 7499},
		{"€ 10,005", 10005},
		{"3.14159", 3.14},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParsePrice(tc.input, DecimalAuto)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestParsePriceExplicitRules(t *testing.T) {
	got, err := ParsePrice("1.234", DecimalPeriod)
	require.NoError(t, err)
	assert.InDelta(t, 1.23, got, 1e-9)

	got, err = ParsePrice("1.234", DecimalComma)
	require.NoError(t, err)
	assert.InDelta(t, 1234, got, 1e-9)

	got, err = ParsePrice("1,234", DecimalComma)
	require.NoError(t, err)
	assert.InDelta(t, 1.23, got, 1e-9)

	_, err = ParsePrice("1,2,3", DecimalComma)
	require.ErrorIs(t, err, ErrInvalidPrice)
}

func TestParsePriceRejects(t *testing.T) {
	for _, input := range []string{"", "Prezzo su richiesta", "€", ".,", "1.234,5.6"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParsePrice(input, DecimalAuto)
			require.ErrorIs(t, err, ErrInvalidPrice)
		})
	}
}

func TestParseDecimalRule(t *testing.T) {
	rule, err := ParseDecimalRule("")
	require.NoError(t, err)
	assert.Equal(t, DecimalAuto, rule)

	rule, err = ParseDecimalRule("Comma")
	require.NoError(t, err)
	assert.Equal(t, DecimalComma, rule)

	_, err = ParseDecimalRule("semicolon")
	require.Error(t, err)
}
