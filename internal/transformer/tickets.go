package transformer

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"storesync/internal/record"
)

// TicketsTable is the output table of the tickets transform.
const TicketsTable = "tickets_movidesk"

// Tickets flattens helpdesk tickets and adds a plain-text rendering next to
// every HTML description field.
type Tickets struct {
	Opts Options
}

func (t Tickets) Transform(ctx context.Context, b record.Batch) ([]Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows := make(record.Batch, 0, len(b))
	for _, raw := range b {
		r := record.Flatten(raw, ".")
		for _, k := range r.Keys() {
			if !isHTMLField(k) {
				continue
			}
			s, ok := r.Get(k).Text()
			if !ok {
				continue
			}
			plain, err := htmlText(s)
			if err != nil {
				t.Opts.log().WithError(err).WithField("field", k).Warn("html to text failed")
				continue
			}
			r.Set(k+"_text", record.TextValue(plain))
		}
		rows = append(rows, r)
	}
	return []Table{table(TicketsTable, "id", rows)}, nil
}

func isHTMLField(k string) bool {
	return strings.HasSuffix(k, "htmlDescription") || strings.HasSuffix(k, ".description")
}

// htmlText returns the visible text of an HTML fragment with whitespace
// collapsed. Block elements are separated by a space.
func htmlText(s string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return "", err
	}
	doc.Find("script, style").Remove()
	doc.Find("br, p, div, li, tr").AfterHtml(" ")
	return strings.Join(strings.Fields(doc.Text()), " "), nil
}
