package fetcher

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"
)

// Format is a feed serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXML  Format = "xml"
	FormatXLSX Format = "xlsx"
)

// Row is one decoded feed item keyed by normalized column or field name.
type Row map[string]any

// DecodeOptions tunes format-specific decoding.
type DecodeOptions struct {
	// XMLElement is the local name of the repeating record element.
	// Default: "record".
	XMLElement string
	// SheetIndex selects the XLSX worksheet.
	SheetIndex int
}

// DetectFormat guesses the feed format from the content type, then from the
// URL extension. JSON is the fallback.
func DetectFormat(rawURL, contentType string) Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.HasSuffix(mt, "json"):
			return FormatJSON
		case mt == "text/csv":
			return FormatCSV
		case strings.HasSuffix(mt, "/xml"), strings.HasSuffix(mt, "+xml"):
			return FormatXML
		case strings.Contains(mt, "spreadsheetml"):
			return FormatXLSX
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".csv":
			return FormatCSV
		case ".xml":
			return FormatXML
		case ".xlsx":
			return FormatXLSX
		}
	}
	return FormatJSON
}

// Decode turns a payload into rows.
func Decode(body []byte, format Format, opts DecodeOptions) ([]Row, error) {
	switch format {
	case FormatJSON, "":
		return decodeJSON(body)
	case FormatCSV:
		return decodeCSV(body)
	case FormatXML:
		return decodeXML(body, opts.XMLElement)
	case FormatXLSX:
		return decodeXLSX(body, opts.SheetIndex)
	default:
		return nil, eris.Errorf("decode: unsupported format %q", format)
	}
}

// envelopeKeys are the wrapper keys civic open-data APIs put their item
// arrays under.
var envelopeKeys = []string{"records", "objects", "results", "data", "items"}

func decodeJSON(body []byte) ([]Row, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, eris.Wrap(err, "json: decode feed")
	}

	var items []any
	switch v := doc.(type) {
	case []any:
		items = v
	case map[string]any:
		for _, k := range envelopeKeys {
			if arr, ok := v[k].([]any); ok {
				items = arr
				break
			}
		}
		if items == nil {
			return nil, eris.New("json: object has no records array")
		}
	default:
		return nil, eris.Errorf("json: expected array or object, got %T", doc)
	}

	rows := make([]Row, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, eris.Errorf("json: element %d is %T, not an object", i, it)
		}
		rows = append(rows, Row(m))
	}
	return rows, nil
}

func decodeCSV(body []byte) ([]Row, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))))
	r.FieldsPerRecord = -1 // allow ragged rows
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}
	keys := normalizeKeys(header)

	var rows []Row
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "csv: read row")
		}
		rows = append(rows, zipRow(keys, rec))
	}
}

func decodeXLSX(body []byte, sheetIndex int) ([]Row, error) {
	f, err := xlsx.OpenBinary(body)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open")
	}
	if sheetIndex < 0 || sheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", sheetIndex, len(f.Sheets))
	}
	sheet := f.Sheets[sheetIndex]
	if len(sheet.Rows) == 0 {
		return nil, nil
	}

	keys := normalizeKeys(cellStrings(sheet.Rows[0]))
	rows := make([]Row, 0, len(sheet.Rows)-1)
	for _, r := range sheet.Rows[1:] {
		cells := cellStrings(r)
		if isBlank(cells) {
			continue
		}
		rows = append(rows, zipRow(keys, cells))
	}
	return rows, nil
}

func cellStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		out[i] = c.String()
	}
	return out
}

func decodeXML(body []byte, element string) ([]Row, error) {
	if element == "" {
		element = "record"
	}
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}

	var rows []Row
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "xml: read token")
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != element {
			continue
		}
		row, err := readXMLRecord(dec, se)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

// readXMLRecord flattens one record element: attributes and direct children
// become fields, deeper descendants contribute their text to the child.
func readXMLRecord(dec *xml.Decoder, start xml.StartElement) (Row, error) {
	row := Row{}
	for _, a := range start.Attr {
		row[normalizeKey(a.Name.Local)] = a.Value
	}

	depth := 0
	var field string
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, eris.Wrapf(err, "xml: read <%s>", start.Name.Local)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				field = normalizeKey(t.Name.Local)
				text.Reset()
			}
		case xml.CharData:
			if depth >= 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				return row, nil
			}
			if depth == 1 {
				row[field] = strings.TrimSpace(text.String())
			}
			depth--
		}
	}
}

func normalizeKeys(header []string) []string {
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = normalizeKey(h)
	}
	return keys
}

// normalizeKey lower-cases a column name and joins words with underscores,
// so "Bill Number" and "bill-number" both become "bill_number".
func normalizeKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func zipRow(keys, values []string) Row {
	row := make(Row, len(keys))
	for i, k := range keys {
		if k == "" {
			continue
		}
		if i < len(values) {
			row[k] = strings.TrimSpace(values[i])
		} else {
			row[k] = ""
		}
	}
	return row
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
