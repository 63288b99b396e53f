package fetcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		url, contentType string
		want             Format
	}{
		{"https://example.ca/bills", "application/json; charset=utf-8", FormatJSON},
		{"https://example.ca/bills", "application/vnd.api+json", FormatJSON},
		{"https://example.ca/members", "text/csv", FormatCSV},
		{"https://example.ca/legisinfo", "application/xml", FormatXML},
		{"https://example.ca/legisinfo", "application/atom+xml", FormatXML},
		{"https://example.ca/x", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", FormatXLSX},
		{"https://example.ca/council.CSV", "", FormatCSV},
		{"ftp://ftp.example.ca/bills.xml", "", FormatXML},
		{"https://example.ca/members.xlsx?download=1", "application/octet-stream", FormatXLSX},
		{"https://example.ca/feed", "", FormatJSON},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectFormat(tt.url, tt.contentType), "%s %s", tt.url, tt.contentType)
	}
}

func TestDecodeJSON_BareArray(t *testing.T) {
	rows, err := Decode([]byte(`[{"number":"C-11","title":"Online Streaming Act"},{"number":"C-18"}]`), FormatJSON, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "C-11", rows[0]["number"])
}

func TestDecodeJSON_Envelope(t *testing.T) {
	body := `{"meta":{"total_count":1},"objects":[{"name":"Jane Doe","elected_office":"MP"}]}`
	rows, err := Decode([]byte(body), FormatJSON, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Jane Doe", rows[0]["name"])
}

func TestDecodeJSON_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"meta":{}}`), FormatJSON, DecodeOptions{})
	assert.Error(t, err)
	_, err = Decode([]byte(`[1,2]`), FormatJSON, DecodeOptions{})
	assert.Error(t, err)
	_, err = Decode([]byte(`"x"`), FormatJSON, DecodeOptions{})
	assert.Error(t, err)
	_, err = Decode([]byte(`{`), FormatJSON, DecodeOptions{})
	assert.Error(t, err)
}

func TestDecodeCSV(t *testing.T) {
	body := "\xef\xbb\xbfName,Elected Office,District Name\nJane Doe,Councillor,Ward 1\nJohn Roe,Mayor\n"
	rows, err := Decode([]byte(body), FormatCSV, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Row{"name": "Jane Doe", "elected_office": "Councillor", "district_name": "Ward 1"}, rows[0])
	assert.Equal(t, "", rows[1]["district_name"])
}

func TestDecodeCSV_Empty(t *testing.T) {
	rows, err := Decode(nil, FormatCSV, DecodeOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDecodeXML(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<Bills>
  <Bill id="11">
    <BillNumber>C-11</BillNumber>
    <Title><Short>Online Streaming Act</Short></Title>
    <Status>royal_assent</Status>
  </Bill>
  <Bill id="18">
    <BillNumber>C-18</BillNumber>
  </Bill>
</Bills>`
	rows, err := Decode([]byte(body), FormatXML, DecodeOptions{XMLElement: "Bill"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "11", rows[0]["id"])
	assert.Equal(t, "C-11", rows[0]["billnumber"])
	assert.Equal(t, "Online Streaming Act", rows[0]["title"])
	assert.Equal(t, "royal_assent", rows[0]["status"])
	assert.Equal(t, "C-18", rows[1]["billnumber"])
}

func TestDecodeXML_Latin1(t *testing.T) {
	body := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><root><record><name>Montr\xe9al</name></record></root>"
	rows, err := Decode([]byte(body), FormatXML, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Montréal", rows[0]["name"])
}

func TestDecodeXML_Malformed(t *testing.T) {
	_, err := Decode([]byte(`<root><record><name>x</record>`), FormatXML, DecodeOptions{})
	assert.Error(t, err)
}

func createTestXLSX(t *testing.T, rows [][]string) []byte {
	t.Helper()
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Members")
	require.NoError(t, err)
	for _, rowData := range rows {
		row := sheet.AddRow()
		for _, cellData := range rowData {
			row.AddCell().SetString(cellData)
		}
	}
	path := filepath.Join(t.TempDir(), "members.xlsx")
	require.NoError(t, f.Save(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func TestDecodeXLSX(t *testing.T) {
	data := createTestXLSX(t, [][]string{
		{"Name", "Role", "Ward"},
		{"Jane Doe", "Councillor", "3"},
		{"", "", ""},
		{"John Roe", "Mayor", ""},
	})
	rows, err := Decode(data, FormatXLSX, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Jane Doe", rows[0]["name"])
	assert.Equal(t, "Mayor", rows[1]["role"])

	_, err = Decode(data, FormatXLSX, DecodeOptions{SheetIndex: 4})
	assert.Error(t, err)
}

func TestDecode_UnknownFormat(t *testing.T) {
	_, err := Decode([]byte("x"), Format("yaml"), DecodeOptions{})
	assert.Error(t, err)
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "bill_number", normalizeKey(" Bill Number "))
	assert.Equal(t, "bill_number", normalizeKey("bill-number"))
}
