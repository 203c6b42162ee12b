package dispatch

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type responseMetadata struct {
	RequestID string `xml:"RequestId"`
}

// renderQueryResult wraps the handler result in the
// <OpResponse><OpResult>...</OpResult></OpResponse> envelope.
func renderQueryResult(c echo.Context, op string, result any) error {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{Name: xml.Name{Local: op + "Response"}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	if result != nil {
		if err := enc.EncodeElement(result, xml.StartElement{Name: xml.Name{Local: op + "Result"}}); err != nil {
			return err
		}
	}
	meta := xml.StartElement{Name: xml.Name{Local: "ResponseMetadata"}}
	if err := enc.EncodeElement(responseMetadata{RequestID: uuid.NewString()}, meta); err != nil {
		return err
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	return c.Blob(200, echo.MIMEApplicationXML, buf.Bytes())
}

// BatchEntries collects indexed form parameters like
// "Entry.1.Id"/"Entry.1.Body" into per-index maps, ordered by index.
func BatchEntries(form map[string][]string, prefix string) []map[string]string {
	byIndex := map[string]map[string]string{}
	var order []string
	for key, vs := range form {
		if !strings.HasPrefix(key, prefix+".") || len(vs) == 0 {
			continue
		}
		rest := key[len(prefix)+1:]
		dot := strings.IndexByte(rest, '.')
		if dot == -1 {
			continue
		}
		idx, field := rest[:dot], rest[dot+1:]
		if byIndex[idx] == nil {
			byIndex[idx] = map[string]string{}
			order = append(order, idx)
		}
		byIndex[idx][field] = vs[0]
	}
	// Form iteration order is random; indexes are small ints.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && numLess(order[j], order[j-1]); j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
	out := make([]map[string]string, 0, len(order))
	for _, idx := range order {
		out = append(out, byIndex[idx])
	}
	return out
}

func numLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
