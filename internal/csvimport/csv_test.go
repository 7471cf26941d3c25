package csvimport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCSVHandlesQuotedFieldsAndMissingColumns(t *testing.T) {
	data := "First Name,Last Name,Email,Phone,Notes\n" +
		"\"Grace, Brewster\",Hopper,grace@example.com,,\"Admiral, USN\"\n"

	rows, err := parseCSV([]byte(data), DefaultColumnMapping())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	d := rows[0].Data
	require.Equal(t, "Grace, Brewster", d.Name.Given)
	require.Equal(t, "Hopper", d.Name.Family)
	require.Empty(t, d.Phones)
	require.Equal(t, "Admiral, USN", d.Notes)
}

func TestParseCSVEmptyFileReturnsNoRows(t *testing.T) {
	rows, err := parseCSV([]byte(""), DefaultColumnMapping())
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestParseCSVRowHashStableForIdenticalRow(t *testing.T) {
	data := []byte("First Name,Last Name,Email,Phone\nBob,Smith,b@y.io,+1 (415) 555 0100\n")
	a, err := parseCSV(data, DefaultColumnMapping())
	require.NoError(t, err)
	b, err := parseCSV(data, DefaultColumnMapping())
	require.NoError(t, err)

	require.Equal(t, a[0].RowHash, b[0].RowHash)
}

func TestParseCSVMatchesHeadersCaseInsensitively(t *testing.T) {
	data := "first name,last name,email,phone\nAda,Lovelace,ada@example.com,555-0100\n"

	rows, err := parseCSV([]byte(data), DefaultColumnMapping())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	d := rows[0].Data
	require.Equal(t, "Ada", d.Name.Given)
	require.Equal(t, "Lovelace", d.Name.Family)
	require.Equal(t, "ada@example.com", d.Emails[0].Value)
	require.Equal(t, "555-0100", d.Phones[0].Value)
}
