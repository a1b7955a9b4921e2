package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRateLimit(t *testing.T) {
	bigOutput := strings.Repeat("x", 600)

	tests := []struct {
		name string
		res  *Result
		want bool
	}{
		{"nil result", nil, false},
		{"explicit usage limit", &Result{Success: false, Error: "You've hit your limit for today"}, true},
		{"explicit rate limit, mixed case", &Result{Success: false, Error: "Rate Limit exceeded"}, true},
		{"usage limit marker on success", &Result{Success: true, Error: "usage limit warning"}, true},
		{"cheap silent failure", &Result{Success: false, Error: "request failed", CostUSD: 0.001, Output: "x"}, true},
		{"failure with no error text", &Result{Success: false}, false},
		{"expensive failure", &Result{Success: false, Error: "request failed", CostUSD: 2.50}, false},
		{"verbose failure", &Result{Success: false, Error: "request failed", Output: bigOutput}, false},
		{"ordinary success", &Result{Success: true, Output: "done", CostUSD: 0.30}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRateLimit(tc.res))
		})
	}
}

func TestShouldFallback(t *testing.T) {
	assert.True(t, ShouldFallback("opus", "sonnet"))
	assert.False(t, ShouldFallback("sonnet", "sonnet"))
	assert.True(t, ShouldFallback("opus", ""))
	assert.False(t, ShouldFallback("", ""))
}
