package split

import (
	"errors"
	"fmt"
	"testing"

	"github.com/brojonat/payflow/service/errs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func people(n int) []Participant {
	out := make([]Participant, n)
	for i := range out {
		out[i] = Participant{ID: fmt.Sprintf("p%d", i+1), Address: fmt.Sprintf("addr%d", i+1)}
	}
	return out
}

func withShares(shares ...string) []Participant {
	out := people(len(shares))
	for i, s := range shares {
		out[i].SharePercent = d(s)
	}
	return out
}

func TestCalculate_EvenThreeWays(t *testing.T) {
	res, err := Calculate(d("100"), people(3), Even)
	require.NoError(t, err)

	// leftover lamport goes to the first participant
	assert.Equal(t, "33.333333334", res.Participants[0].Amount.String())
	assert.Equal(t, "33.333333333", res.Participants[1].Amount.String())
	assert.Equal(t, "33.333333333", res.Participants[2].Amount.String())
	for _, p := range res.Participants {
		assert.Equal(t, "33.33", p.SharePercent.String())
	}
	assert.True(t, Sum(res.Participants).Equal(d("100")))
	// percent column does not add to 100 and that's fine
	assert.Equal(t, "99.99", res.PercentTotal.String())
}

func TestCalculate_EvenSumsExactly(t *testing.T) {
	totals := []string{"1", "0.000000001", "7.5", "1000000", "0.123456789", "99.999999999"}
	for _, total := range totals {
		for n := 1; n <= 13; n++ {
			t.Run(fmt.Sprintf("%s/%d", total, n), func(t *testing.T) {
				res, err := Calculate(d(total), people(n), Even)
				require.NoError(t, err)
				assert.True(t, Sum(res.Participants).Equal(d(total)))
				for _, p := range res.Participants {
					assert.False(t, p.Amount.IsNegative())
					assert.True(t, p.Amount.Equal(p.Amount.Truncate(Scale)))
				}
			})
		}
	}
}

func TestCalculate_CustomAccepted(t *testing.T) {
	res, err := Calculate(d("100"), withShares("33.33", "33.33", "33.34"), Custom)
	require.NoError(t, err)

	assert.Equal(t, "33.33", res.Participants[0].Amount.String())
	assert.Equal(t, "33.33", res.Participants[1].Amount.String())
	assert.Equal(t, "33.34", res.Participants[2].Amount.String())
	assert.True(t, res.PercentTotal.Equal(d("100")))
}

func TestCalculate_CustomRemainderDistribution(t *testing.T) {
	// 0.000000010 * 33.33% etc. does not divide evenly into lamports
	res, err := Calculate(d("0.00000001"), withShares("33.33", "33.33", "33.34"), Custom)
	require.NoError(t, err)
	assert.True(t, Sum(res.Participants).Equal(d("0.00000001")))
	for _, p := range res.Participants {
		assert.False(t, p.Amount.IsNegative())
	}
}

func TestCalculate_CustomMismatchCitesSum(t *testing.T) {
	_, err := Calculate(d("100"), withShares("33", "33", "33"), Custom)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrPercentageMismatch))
	assert.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "99")
}

func TestCalculate_Validation(t *testing.T) {
	tests := []struct {
		name         string
		total        string
		participants []Participant
		mode         Mode
		sentinel     error
	}{
		{"zero total", "0", people(2), Even, errs.ErrInvalidTotal},
		{"negative total", "-5", people(2), Even, errs.ErrInvalidTotal},
		{"too precise", "1.0000000001", people(2), Even, errs.ErrInvalidTotal},
		{"no participants", "10", nil, Even, errs.ErrNoParticipants},
		{"share over 100", "10", withShares("120", "-20"), Custom, errs.ErrInvalidPercent},
		{"duplicate id", "10", []Participant{{ID: "p1", Address: "a"}, {ID: "p2", Address: "b"}, {ID: " p1", Address: "c"}}, Even, errs.ErrDuplicateParticipant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(d(tt.total), tt.participants, tt.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel), "got %v", err)
			assert.True(t, errs.IsValidation(err))
		})
	}
}

func TestCalculate_DoesNotMutateInput(t *testing.T) {
	in := people(2)
	_, err := Calculate(d("10"), in, Even)
	require.NoError(t, err)
	assert.True(t, in[0].Amount.IsZero())
	assert.True(t, in[0].SharePercent.IsZero())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("CUSTOM")
	require.NoError(t, err)
	assert.Equal(t, Custom, m)

	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Even, m)

	_, err = ParseMode("weighted")
	assert.Error(t, err)
}
