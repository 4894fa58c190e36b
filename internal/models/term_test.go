package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTerm(t *testing.T) {
	for raw, want := range map[string]Term{
		"FIRST":   TermFirst,
		"first":   TermFirst,
		" second": TermSecond,
		"Second":  TermSecond,
	} {
		got, err := ParseTerm(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}

	_, err := ParseTerm("THIRD")
	assert.Error(t, err)
	_, err = ParseTerm("")
	assert.Error(t, err)
}

func TestValidateAcademicYear(t *testing.T) {
	assert.NoError(t, ValidateAcademicYear("2025-2026"))
	assert.NoError(t, ValidateAcademicYear("1999-2000"))

	for _, bad := range []string{"2025", "2025/2026", "2025-2025", "2025-2027", "abcd-efgh", "2025-26"} {
		assert.Error(t, ValidateAcademicYear(bad), bad)
	}
}
