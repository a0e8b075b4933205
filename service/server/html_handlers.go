package server

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
)

//go:embed templates/*.html
var templatesFS embed.FS

// TemplateRenderer holds parsed HTML templates
type TemplateRenderer struct {
	templates *template.Template
	logger    *slog.Logger
}

// NewTemplateRenderer creates a new template renderer from embedded files
func NewTemplateRenderer(logger *slog.Logger) (*TemplateRenderer, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &TemplateRenderer{
		templates: tmpl,
		logger:    logger,
	}, nil
}

// Render renders a template with the given data
func (tr *TemplateRenderer) Render(w http.ResponseWriter, name string, data interface{}) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tr.templates.ExecuteTemplate(w, name, data)
}

// handleCheckoutPage serves the point-of-sale checkout page: the payment QR
// code plus a live feed of incoming payments.
// GET /checkout?merchant=&amount=&token=&memo=&network=
func handleCheckoutPage(renderer *TemplateRenderer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := newQueryParams(r)
		merchant := q.key("merchant")
		amount := q.amount()
		network := q.network()
		if q.err != nil {
			http.Error(w, q.err.Error(), http.StatusBadRequest)
			return
		}

		qr := url.Values{}
		for _, name := range []string{"merchant", "amount", "token", "memo", "network"} {
			if v := q.get(name); v != "" {
				qr.Set(name, v)
			}
		}
		data := map[string]interface{}{
			"Merchant":  merchant.String(),
			"Amount":    amount.String(),
			"Token":     q.get("token"),
			"Network":   network,
			"QRURL":     "/api/payment/qr?" + qr.Encode(),
			"StreamURL": "/api/stream/payments/" + merchant.String() + "?network=" + network,
		}
		if err := renderer.Render(w, "checkout.html", data); err != nil {
			renderer.logger.Error("failed to render template", "error", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}
}
