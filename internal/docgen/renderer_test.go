package docgen

import (
	"strings"
	"testing"
	"time"

	"realtech/backend/internal/domain"
)

func TestRenderInvoiceIncludesLinesAndTotal(t *testing.T) {
	r := NewHTMLRenderer("RealTech")
	order := &domain.Order{
		ID:     "ord-1",
		Number: "C000007",
		Total:  350,
		ProductLines: []domain.OrderLine{
			{Label: "Laptop Pro 14", Quantity: 2, UnitPrice: 100, LineTotal: 200},
		},
		ServiceLines: []domain.OrderLine{
			{Label: "OS Installation", Quantity: 1, UnitPrice: 150, LineTotal: 150},
		},
	}

	contentType, doc, err := r.RenderInvoice(order, "F000001")
	if err != nil {
		t.Fatalf("RenderInvoice: %v", err)
	}
	if contentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	html := string(doc)
	for _, want := range []string{"F000001", "C000007", "Laptop Pro 14", "OS Installation", "350.00"} {
		if !strings.Contains(html, want) {
			t.Errorf("invoice missing %q", want)
		}
	}
}

func TestRenderInvoiceEscapesLabels(t *testing.T) {
	r := NewHTMLRenderer("")
	order := &domain.Order{
		Number: "C000001",
		ProductLines: []domain.OrderLine{
			{Label: "<script>alert(1)</script>", Quantity: 1, UnitPrice: 5, LineTotal: 5},
		},
	}

	_, doc, err := r.RenderInvoice(order, "F000002")
	if err != nil {
		t.Fatalf("RenderInvoice: %v", err)
	}
	if strings.Contains(string(doc), "<script>alert(1)</script>") {
		t.Fatal("label was not escaped")
	}
}

func TestRenderReceipt(t *testing.T) {
	r := NewHTMLRenderer("RealTech")
	order := &domain.Order{Number: "C000003"}
	payment := &domain.Payment{
		ID:        "pay-1",
		Amount:    200,
		Mode:      domain.PayMobileMoney,
		CreatedAt: time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC),
	}

	contentType, doc, err := r.RenderReceipt(order, payment, "R000004")
	if err != nil {
		t.Fatalf("RenderReceipt: %v", err)
	}
	if contentType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected content type %q", contentType)
	}
	html := string(doc)
	for _, want := range []string{"R000004", "C000003", "200.00", "mobile_money", "2026-03-10 14:30"} {
		if !strings.Contains(html, want) {
			t.Errorf("receipt missing %q", want)
		}
	}
}
