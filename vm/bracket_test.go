package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBracketBalanceBalancedCases(t *testing.T) {
	cases := []string{
		`''`,
		`()`,
		`({})`,
		`'\('(')'`,
		`'\({})'`,
		`[]`,
	}
	for _, src := range cases {
		require.True(t, BracketBalance(src), "expected balanced: %q", src)
	}
}

func TestBracketBalanceUnbalancedCases(t *testing.T) {
	cases := []string{
		`'"`,
		`(`,
		`'\({)'`,
		`'\`,
		`'srcbc`,
		`'\u`,
		`"\()\" `,
	}
	for _, src := range cases {
		require.False(t, BracketBalance(src), "expected unbalanced: %q", src)
	}
}
