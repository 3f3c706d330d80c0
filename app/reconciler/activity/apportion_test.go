package activity

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestApportion(t *testing.T) {
	w := func(entity, weight string) Share { return Share{EntityID: entity, Weight: dec(weight)} }

	tests := []struct {
		name   string
		total  string
		shares []Share
		want   []string
	}{
		{"proportional", "0.06", []Share{w("A", "10"), w("B", "20"), w("C", "30")}, []string{"0.01", "0.02", "0.03"}},
		{"thirds go to lowest id", "0.1", []Share{w("C", "1"), w("A", "1"), w("B", "1")}, []string{"0.03333333", "0.03333334", "0.03333333"}},
		{"single unit", "0.00000001", []Share{w("B", "1"), w("A", "1")}, []string{"0", "0.00000001"}},
		{"largest remainder wins", "0.00000010", []Share{w("A", "1"), w("B", "2"), w("C", "7")}, []string{"0.00000001", "0.00000002", "0.00000007"}},
		{"uneven", "1.23456789", []Share{w("A", "3.3"), w("B", "0.7")}, []string{"1.01851851", "0.21604938"}},
		{"zero weight", "0.5", []Share{w("A", "0"), w("B", "2")}, []string{"0", "0.5"}},
		{"zero total", "0", []Share{w("A", "1")}, []string{"0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apportion(dec(tt.total), tt.shares)
			sum := decimal.Zero
			for i, g := range got {
				assert.True(t, g.Equal(dec(tt.want[i])), "part %d: got %s want %s", i, g, tt.want[i])
				sum = sum.Add(g)
			}
			assert.True(t, sum.Equal(dec(tt.total)), "sum %s != total %s", sum, tt.total)
		})
	}
}

func TestApportionEmpty(t *testing.T) {
	assert.Empty(t, Apportion(dec("1"), nil))
}
