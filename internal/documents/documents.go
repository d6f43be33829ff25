package documents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jung-kurt/gofpdf"
	"github.com/m-mizutani/goerr/v2"
)

var ErrNoPrice = errors.New("no price for service")

type Kind string

const (
	KindQuote   Kind = "quote"
	KindInvoice Kind = "invoice"
)

// Price is what the catalog charges for one service.
type Price struct {
	Description string
	Amount      float64
	Currency    string
}

// Pricer looks up service prices. The catalog itself lives elsewhere.
type Pricer interface {
	Price(ctx context.Context, serviceID uuid.UUID) (Price, error)
}

// StaticPricer charges the same amount for every service.
type StaticPricer struct {
	Amount   float64
	Currency string
}

func (p StaticPricer) Price(_ context.Context, serviceID uuid.UUID) (Price, error) {
	if p.Amount <= 0 {
		return Price{}, goerr.Wrap(ErrNoPrice, "static price", goerr.V("service_id", serviceID))
	}
	return Price{Description: "Consultation", Amount: p.Amount, Currency: p.Currency}, nil
}

type DraftRequest struct {
	AppointmentID uuid.UUID
	ServiceID     uuid.UUID
	PatientName   string
	ProviderName  string
	StartsAt      time.Time
}

// Draft describes a rendered document.
type Draft struct {
	DocumentID uuid.UUID
	Kind       Kind
	Number     string
	Total      float64
	Currency   string
	Path       string
}

// PDFDrafter renders quote and invoice drafts into dir.
type PDFDrafter struct {
	dir    string
	pricer Pricer
	now    func() time.Time
}

func NewPDFDrafter(dir string, pricer Pricer, now func() time.Time) *PDFDrafter {
	if now == nil {
		now = time.Now
	}
	return &PDFDrafter{dir: dir, pricer: pricer, now: now}
}

func (d *PDFDrafter) DraftQuote(ctx context.Context, req DraftRequest) (*Draft, error) {
	return d.draft(ctx, KindQuote, req)
}

func (d *PDFDrafter) DraftInvoice(ctx context.Context, req DraftRequest) (*Draft, error) {
	return d.draft(ctx, KindInvoice, req)
}

func (d *PDFDrafter) draft(ctx context.Context, kind Kind, req DraftRequest) (*Draft, error) {
	price, err := d.pricer.Price(ctx, req.ServiceID)
	if err != nil {
		return nil, goerr.Wrap(err, "price service", goerr.V("kind", kind), goerr.V("service_id", req.ServiceID))
	}

	id := uuid.New()
	issued := d.now()
	draft := &Draft{
		DocumentID: id,
		Kind:       kind,
		Number:     documentNumber(kind, issued, id),
		Total:      price.Amount,
		Currency:   price.Currency,
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create documents dir", goerr.V("dir", d.dir))
	}
	draft.Path = filepath.Join(d.dir, fmt.Sprintf("%s-%s.pdf", kind, draft.Number))

	pdf := render(kind, draft, req, price, issued)
	if err := pdf.OutputFileAndClose(draft.Path); err != nil {
		return nil, goerr.Wrap(err, "write pdf", goerr.V("path", draft.Path))
	}

	return draft, nil
}

func documentNumber(kind Kind, issued time.Time, id uuid.UUID) string {
	prefix := "Q"
	if kind == KindInvoice {
		prefix = "INV"
	}
	return fmt.Sprintf("%s-%s-%s", prefix, issued.UTC().Format("20060102"), id.String()[:8])
}

func render(kind Kind, draft *Draft, req DraftRequest, price Price, issued time.Time) *gofpdf.Fpdf {
	title := "Quote"
	if kind == KindInvoice {
		title = "Invoice"
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, title+" "+draft.Number, "1", 1, "C", false, 0, "")
	pdf.Ln(4)

	addDetail(pdf, "Issued", issued.UTC().Format("2006-01-02"))
	addDetail(pdf, "Patient", req.PatientName)
	if req.ProviderName != "" {
		addDetail(pdf, "Provider", req.ProviderName)
	}
	addDetail(pdf, "Appointment", req.StartsAt.UTC().Format("2006-01-02 15:04 MST"))
	addDetail(pdf, "Reference", req.AppointmentID.String())
	addDetail(pdf, "Service", price.Description)
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(0, 10, fmt.Sprintf("Total: %.2f %s", price.Amount, price.Currency), "1", 1, "R", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetY(pdf.GetY() + 8)
	pdf.MultiCell(0, 5, "Draft document. Amounts are subject to review before issue.", "", "L", false)

	return pdf
}

func addDetail(pdf *gofpdf.Fpdf, label, value string) {
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(45, 8, label, "1", 0, "", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 8, value, "1", 1, "", false, 0, "")
}
