package middleware

import (
	"net/http"
	"strings"
)

var (
	corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	corsHeaders = []string{"Content-Type", "Authorization", "X-Access-Key-Id", "X-Access-Key-Secret"}
	// Export failures after the first byte travel in this trailer.
	corsExposed = []string{"X-Export-Error", "Content-Disposition"}
)

// APIHeaders marks every response as uncacheable, non-embeddable API output.
// Nothing here serves HTML, so the content security policy denies everything.
func APIHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store, max-age=0")
		h.Set("Pragma", "no-cache")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// CORS allows any origin. Credentials travel in form fields, key headers or
// bearer tokens, never cookies, so the wildcard is safe to send.
func CORS(next http.Handler) http.Handler {
	methods := strings.Join(corsMethods, ", ")
	allow := strings.Join(corsHeaders, ", ")
	expose := strings.Join(corsExposed, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Expose-Headers", expose)
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", allow)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
