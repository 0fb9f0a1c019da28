package receipt

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lalithlochan/carbonsnap/internal/db"
)

func testOperation(email *string) *db.Operation {
	return &db.Operation{
		OperationID: "3b0a9c55-1f0e-4c2b-8a55-6f7e0f7c9d10",
		Type:        "manufacturing",
		Amount:      200,
		CarbonScore: 640,
		UserEmail:   email,
		CreatedAt:   time.Date(2024, 3, 1, 8, 15, 0, 0, time.UTC),
	}
}

func TestLines(t *testing.T) {
	email := "user1@example.com"

	tests := []struct {
		name  string
		email *string
		want  string
	}{
		{"with email", &email, "Email del Usuario: user1@example.com"},
		{"without email", nil, "Email del Usuario: N/A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines := Lines(testOperation(tt.email))
			if len(lines) != 6 {
				t.Fatalf("expected 6 lines, got %d", len(lines))
			}
			if lines[4] != tt.want {
				t.Errorf("expected %q, got %q", tt.want, lines[4])
			}
			if lines[2] != "Cantidad: 200.0" || lines[3] != "Puntuación de Carbono: 640.0" {
				t.Errorf("unexpected numbers: %q %q", lines[2], lines[3])
			}
			if lines[5] != "Fecha de Creación: 2024-03-01 08:15:00" {
				t.Errorf("unexpected date line %q", lines[5])
			}
		})
	}
}

func TestRender(t *testing.T) {
	r := &Renderer{
		now:      func() time.Time { return time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC) },
		compress: false,
	}

	var buf bytes.Buffer
	if err := r.Render(&buf, testOperation(nil)); err != nil {
		t.Fatalf("render: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "%PDF-") {
		t.Fatalf("output is not a PDF: %q", out[:min(len(out), 16)])
	}
	for _, want := range []string{
		"Carbon Snapshot Console",
		"Fecha: 2024-03-02 10:00:00",
		"Tipo: manufacturing",
		"ID de Operaci",
		"Email del Usuario: N/A",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("pdf missing %q", want)
		}
	}
}

func TestFilename(t *testing.T) {
	if got := Filename(testOperation(nil)); got != "receipt_3b0a9c55-1f0e-4c2b-8a55-6f7e0f7c9d10.pdf" {
		t.Errorf("unexpected filename %q", got)
	}
}
