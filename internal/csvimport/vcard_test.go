package csvimport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleVCard = "BEGIN:VCARD\r\n" +
	"VERSION:3.0\r\n" +
	"N:Lovelace;Ada;;;\r\n" +
	"FN:Ada Lovelace\r\n" +
	"EMAIL;TYPE=work:ada@example.com\r\n" +
	"TEL;TYPE=cell:+14155550100\r\n" +
	"ORG:Analytical Engines Ltd\r\n" +
	"NOTE:Met at the symposium\r\n" +
	"END:VCARD\r\n"

func TestParseVCardMapsFields(t *testing.T) {
	parsed, err := ParseVCard([]byte(sampleVCard))
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	d := parsed[0].Data
	require.NotNil(t, d.Name)
	require.Equal(t, "Ada", d.Name.Given)
	require.Equal(t, "Lovelace", d.Name.Family)
	require.Len(t, d.Emails, 1)
	require.Equal(t, "ada@example.com", d.Emails[0].Value)
	require.Equal(t, "work", d.Emails[0].Type)
	require.Len(t, d.Phones, 1)
	require.Equal(t, "+14155550100", d.Phones[0].Value)
	require.Equal(t, "Analytical Engines Ltd", d.Organizations[0].Name)
	require.Equal(t, "Met at the symposium", d.Notes)
	require.NotEmpty(t, parsed[0].RowHash)
}

func TestParseVCardMultipleCards(t *testing.T) {
	data := sampleVCard + "BEGIN:VCARD\r\nVERSION:3.0\r\nN:Hopper;Grace;;;\r\nFN:Grace Hopper\r\nEMAIL:grace@example.com\r\nEND:VCARD\r\n"
	parsed, err := ParseVCard([]byte(data))
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	require.Equal(t, "Hopper", parsed[1].Data.Name.Family)
}
