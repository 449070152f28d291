package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func scanKinds(t *testing.T, src string) []TokenKind {
	t.Helper()
	s := NewScanner(src)
	toks, errs := s.Scan()
	require.Empty(t, errs)
	kinds := make([]TokenKind, len(toks))
	for i, tok := range toks {
		kinds[i] = tok.Kind
	}
	return kinds
}

func countSeparators(kinds []TokenKind) int {
	n := 0
	for _, k := range kinds {
		if k == TokStatementSeparator {
			n++
		}
	}
	return n
}

func TestScannerInsertsSeparatorAfterTerminator(t *testing.T) {
	kinds := scanKinds(t, "x\ny")
	require.Equal(t, 1, countSeparators(kinds))
}

func TestScannerNoSeparatorBeforeDotContinuation(t *testing.T) {
	kinds := scanKinds(t, "x\n.y")
	require.Equal(t, 0, countSeparators(kinds))
}

func TestScannerNoSeparatorInsideParens(t *testing.T) {
	kinds := scanKinds(t, "f(x,\ny)")
	require.Equal(t, 0, countSeparators(kinds))
}

func TestScannerNoSeparatorInsideBrackets(t *testing.T) {
	kinds := scanKinds(t, "[1,\n2]")
	require.Equal(t, 0, countSeparators(kinds))
}

func TestScannerSeparatorInsideBraces(t *testing.T) {
	// Braces are block delimiters, not grouping brackets, so a newline
	// inside them still terminates the preceding statement.
	kinds := scanKinds(t, "{\nx\ny\n}")
	require.Equal(t, 2, countSeparators(kinds))
}

func TestScannerNoSeparatorAfterNonTerminator(t *testing.T) {
	kinds := scanKinds(t, "x +\ny")
	require.Equal(t, 0, countSeparators(kinds))
}
