package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 512
	minQRSize     = 128
	maxQRSize     = 1024
)

// transactionRequestLink builds the Solana Pay transaction request link that
// points a wallet at POST /api/payment with the given query.
// Format: solana:{url-encoded https link}
func transactionRequestLink(baseURL string, query url.Values) string {
	link := baseURL + "/api/payment"
	if encoded := query.Encode(); encoded != "" {
		link += "?" + encoded
	}
	return "solana:" + url.QueryEscape(link)
}

// generateQRCode renders content as a PNG QR code with medium error correction.
func generateQRCode(content string, size int) ([]byte, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	png, err := qr.PNG(size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code as PNG: %w", err)
	}
	return png, nil
}

// handlePaymentQR returns a PNG QR code for a payment transaction request.
// GET /api/payment/qr?merchant=&amount=&token=&memo=&network=&size=
func handlePaymentQR(baseURL string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := newQueryParams(r)
		q.key("merchant")
		q.amount()
		q.network()
		if q.err != nil {
			writeError(w, q.err.Error(), http.StatusBadRequest)
			return
		}

		size := defaultQRSize
		if raw := q.get("size"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < minQRSize || parsed > maxQRSize {
				writeError(w, fmt.Sprintf("size must be an integer between %d and %d", minQRSize, maxQRSize), http.StatusBadRequest)
				return
			}
			size = parsed
		}

		query := url.Values{}
		for _, name := range []string{"merchant", "amount", "token", "memo", "network"} {
			if v := q.get(name); v != "" {
				query.Set(name, v)
			}
		}
		link := transactionRequestLink(baseURL, query)

		png, err := generateQRCode(link, size)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to generate QR code", "error", err)
			writeError(w, "failed to generate QR code", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Solana-Pay-Link", link)
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	})
}
