package worker

import (
	"bytes"
	"text/template"
	"time"

	"github.com/lalithlochan/carbonsnap/internal/notify"
)

// ConfirmationSubject is the fixed subject of every confirmation email.
const ConfirmationSubject = "Transacción recibida – Carbon Snapshot Console"

var confirmationBody = template.Must(template.New("confirmation").Funcs(template.FuncMap{
	"num":  notify.FormatNumber,
	"date": formatDate,
}).Parse(`Estimado usuario,

Hemos recibido su transacción exitosamente:

- ID de Operación: {{.OperationID}}
- Tipo: {{.Type}}
- Cantidad: {{num .Amount}}
- Puntuación de Carbono: {{num .CarbonScore}}
- Fecha: {{date .CreatedAt}}

Gracias por usar Carbon Snapshot Console.

Saludos,
El equipo de Carbon Snapshot Console
`))

// RenderConfirmation builds the confirmation email for job.
func RenderConfirmation(job notify.Job) (Email, error) {
	var buf bytes.Buffer
	if err := confirmationBody.Execute(&buf, job); err != nil {
		return Email{}, err
	}
	return Email{
		To:      job.UserEmail,
		Subject: ConfirmationSubject,
		Body:    buf.String(),
	}, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}
