// Package docgen renders printable order documents. Invoices and receipts
// are produced as standalone HTML pages so they can be downloaded or opened
// inline by the browser print dialog.
package docgen

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"realtech/backend/internal/domain"
)

const htmlContentType = "text/html; charset=utf-8"

// Renderer turns orders and payments into printable documents.
type Renderer interface {
	RenderInvoice(order *domain.Order, number string) (contentType string, document []byte, err error)
	RenderReceipt(order *domain.Order, payment *domain.Payment, number string) (contentType string, document []byte, err error)
}

// HTMLRenderer renders invoices and receipts with html/template.
// All user-controlled fields are auto-escaped to prevent XSS.
type HTMLRenderer struct {
	// BusinessName appears in the document header.
	BusinessName string
}

func NewHTMLRenderer(businessName string) *HTMLRenderer {
	if businessName == "" {
		businessName = "RealTech"
	}
	return &HTMLRenderer{BusinessName: businessName}
}

type invoiceView struct {
	Business string
	Number   string
	Order    string
	Date     string
	Lines    []documentLine
	Total    string
}

type receiptView struct {
	Business string
	Number   string
	Order    string
	Date     string
	Amount   string
	Mode     string
}

type documentLine struct {
	Label     string
	Quantity  int
	UnitPrice string
	LineTotal string
}

func (r *HTMLRenderer) RenderInvoice(order *domain.Order, number string) (string, []byte, error) {
	view := invoiceView{
		Business: r.BusinessName,
		Number:   number,
		Order:    order.Number,
		Date:     time.Now().Format("2006-01-02"),
		Total:    formatAmount(order.Total),
	}
	for _, line := range order.ProductLines {
		view.Lines = append(view.Lines, toDocumentLine(line))
	}
	for _, line := range order.ServiceLines {
		view.Lines = append(view.Lines, toDocumentLine(line))
	}

	var buf bytes.Buffer
	if err := invoiceHTMLTmpl.Execute(&buf, view); err != nil {
		return "", nil, fmt.Errorf("render invoice %s: %w", number, err)
	}
	return htmlContentType, buf.Bytes(), nil
}

func (r *HTMLRenderer) RenderReceipt(order *domain.Order, payment *domain.Payment, number string) (string, []byte, error) {
	view := receiptView{
		Business: r.BusinessName,
		Number:   number,
		Order:    order.Number,
		Date:     payment.CreatedAt.Format("2006-01-02 15:04"),
		Amount:   formatAmount(payment.Amount),
		Mode:     string(payment.Mode),
	}

	var buf bytes.Buffer
	if err := receiptHTMLTmpl.Execute(&buf, view); err != nil {
		return "", nil, fmt.Errorf("render receipt %s: %w", number, err)
	}
	return htmlContentType, buf.Bytes(), nil
}

func toDocumentLine(line domain.OrderLine) documentLine {
	return documentLine{
		Label:     line.Label,
		Quantity:  line.Quantity,
		UnitPrice: formatAmount(line.UnitPrice),
		LineTotal: formatAmount(line.LineTotal),
	}
}

func formatAmount(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

var invoiceHTMLTmpl = template.Must(template.New("invoice").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Invoice {{.Number}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    table { width: 100%; border-collapse: collapse; margin-top: 8px; }
    th, td { border: 1px solid #ddd; padding: 6px; font-size: 13px; }
    h2, h3 { margin-bottom: 4px; }
    .total { text-align: right; font-weight: bold; }
  </style>
</head>
<body>
  <h2>{{.Business}}</h2>
  <h3>Invoice {{.Number}}</h3>
  <p>Order: {{.Order}} | Date: {{.Date}}</p>

  <table>
    <thead><tr><th>Item</th><th>Qty</th><th>Unit Price</th><th>Line Total</th></tr></thead>
    <tbody>{{range .Lines}}<tr><td>{{.Label}}</td><td style="text-align:right;">{{.Quantity}}</td><td style="text-align:right;">{{.UnitPrice}}</td><td style="text-align:right;">{{.LineTotal}}</td></tr>{{end}}</tbody>
  </table>

  <p class="total">Total: {{.Total}}</p>
</body>
</html>
`))

var receiptHTMLTmpl = template.Must(template.New("receipt").Parse(`<!doctype html>
<html>
<head>
  <meta charset="utf-8" />
  <title>Receipt {{.Number}}</title>
  <style>
    body { font-family: sans-serif; margin: 24px; }
    p { font-size: 14px; }
    h2, h3 { margin-bottom: 4px; }
  </style>
</head>
<body>
  <h2>{{.Business}}</h2>
  <h3>Receipt {{.Number}}</h3>
  <p>Order: {{.Order}}</p>
  <p>Date: {{.Date}}</p>
  <p>Amount: {{.Amount}} ({{.Mode}})</p>
</body>
</html>
`))
