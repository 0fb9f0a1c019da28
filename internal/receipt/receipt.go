// Package receipt renders the PDF proof of an operation.
package receipt

import (
	"fmt"
	"io"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/lalithlochan/carbonsnap/internal/db"
	"github.com/lalithlochan/carbonsnap/internal/notify"
)

const (
	ContentType = "application/pdf"

	title    = "Carbon Snapshot Console"
	subtitle = "Comprobante de Operación"
	footer   = "Este documento fue generado automáticamente por Carbon Snapshot Console"

	dateLayout = "2006-01-02 15:04:05"

	// US Letter in points
	pageHeight = 792.0
	margin     = 50.0
)

// Renderer draws receipts on a single Letter page.
type Renderer struct {
	now      func() time.Time
	compress bool
}

// NewRenderer returns a renderer with compressed page streams.
func NewRenderer() *Renderer {
	return &Renderer{now: time.Now, compress: true}
}

// Filename is the attachment name for op's receipt.
func Filename(op *db.Operation) string {
	return fmt.Sprintf("receipt_%s.pdf", op.OperationID)
}

// Lines returns the detail lines printed under the heading.
func Lines(op *db.Operation) []string {
	email := "N/A"
	if op.UserEmail != nil && *op.UserEmail != "" {
		email = *op.UserEmail
	}
	return []string{
		"ID de Operación: " + op.OperationID,
		"Tipo: " + op.Type,
		"Cantidad: " + notify.FormatNumber(op.Amount),
		"Puntuación de Carbono: " + notify.FormatNumber(op.CarbonScore),
		"Email del Usuario: " + email,
		"Fecha de Creación: " + op.CreatedAt.UTC().Format(dateLayout),
	}
}

// Render writes op's receipt to w.
func (r *Renderer) Render(w io.Writer, op *db.Operation) error {
	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetCompression(r.compress)
	pdf.SetTitle(title, true)
	pdf.SetCreator(title, true)
	pdf.AddPage()

	// core fonts are cp1252
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.SetFont("Helvetica", "B", 20)
	pdf.Text(margin, 50, tr(title))

	pdf.SetFont("Helvetica", "", 14)
	pdf.Text(margin, 80, tr(subtitle))

	pdf.SetFont("Helvetica", "", 12)
	pdf.Text(margin, 110, tr("Fecha: "+r.now().UTC().Format(dateLayout)))

	y := 150.0
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Text(margin, y, tr("Detalles de la Operación:"))

	y += 30
	pdf.SetFont("Helvetica", "", 11)
	for _, line := range Lines(op) {
		pdf.Text(margin, y, tr(line))
		y += 20
	}

	pdf.SetFont("Helvetica", "I", 10)
	pdf.Text(margin, pageHeight-margin, tr(footer))

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render receipt: %w", err)
	}
	return nil
}
