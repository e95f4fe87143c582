package gate

import (
	"encoding/json"
	"net/http"
	"strings"
)

// PaymentHeader returns the assertion transport field of an HTTP request.
// X-PAYMENT wins over PAYMENT-SIGNATURE.
func PaymentHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	if v := strings.TrimSpace(h.Get(HeaderPayment)); v != "" {
		return v
	}
	return strings.TrimSpace(h.Get(HeaderPaymentSignature))
}

// Middleware refuses requests without an acceptable assertion with 402 and
// a payment request body. Accepted assertions are available to next through
// AssertionFromContext.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := g.Check(r.Context(), g.resource(r), PaymentHeader(r.Header))
		if err != nil {
			sendError(w, http.StatusInternalServerError, "payment verification unavailable")
			return
		}

		if !d.Allowed() {
			writeJSON(w, http.StatusPaymentRequired, d.Required)
			return
		}

		if d.Assertion == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := WithAssertion(r.Context(), d.Assertion)
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))

		if sw.status < http.StatusBadRequest {
			g.settle(ctx, d)
		}
	})
}

// statusWriter records the status the handler wrote
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
