package web

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// SecurityHeaders defines the headers applied to every response.
type SecurityHeaders struct {
	CSP                 string
	XContentTypeOptions string
	CacheControl        string
}

// APISecurityHeaders returns headers for machine-read endpoints: nothing is
// rendered by a browser, so the content security policy denies everything.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
	}
}

// Apply sets the non-empty headers on w.
func (sh *SecurityHeaders) Apply(w http.ResponseWriter) {
	if sh.CSP != "" {
		w.Header().Set("Content-Security-Policy", sh.CSP)
	}
	if sh.XContentTypeOptions != "" {
		w.Header().Set("X-Content-Type-Options", sh.XContentTypeOptions)
	}
	if sh.CacheControl != "" {
		w.Header().Set("Cache-Control", sh.CacheControl)
	}
}

// SecurityMiddleware wraps an http.Handler with security headers.
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headers.Apply(w)
			next.ServeHTTP(w, r)
		})
	}
}

// InputValidation bounds what the server accepts before routing.
type InputValidation struct {
	MaxPathLength      int
	MaxQueryLength     int
	MaxHeaderLength    int
	AllowedQueryParams map[string]bool
}

// DefaultInputValidation returns the limits used by the exporter's server.
// Prometheus scrapes carry no query; the health probe takes "ready".
func DefaultInputValidation() *InputValidation {
	return &InputValidation{
		MaxPathLength:   1024,
		MaxQueryLength:  1024,
		MaxHeaderLength: 8192,
		AllowedQueryParams: map[string]bool{
			"ready": true,
			"chain": true,
		},
	}
}

// ValidationError represents an input validation error.
type ValidationError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateRequest checks r against the limits.
func (iv *InputValidation) ValidateRequest(r *http.Request) error {
	if len(r.URL.Path) > iv.MaxPathLength {
		return &ValidationError{Type: "path_length", Message: "Request path too long", Field: "url_path"}
	}
	if len(r.URL.RawQuery) > iv.MaxQueryLength {
		return &ValidationError{Type: "query_length", Message: "Query string too long", Field: "query_string"}
	}

	if iv.AllowedQueryParams != nil {
		for param := range r.URL.Query() {
			if !iv.AllowedQueryParams[param] {
				return &ValidationError{Type: "invalid_query_param", Message: "Invalid query parameter", Field: param}
			}
		}
	}

	for name, values := range r.Header {
		for _, value := range values {
			if len(value) > iv.MaxHeaderLength {
				return &ValidationError{Type: "header_length", Message: "Header value too long", Field: name}
			}
		}
	}

	for _, name := range []string{"Host", "X-Forwarded-For", "User-Agent"} {
		if value := r.Header.Get(name); value != "" {
			if err := validateHeaderValue(name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateHeaderValue checks header values for injection patterns.
func validateHeaderValue(name, value string) error {
	if !utf8.ValidString(value) {
		return &ValidationError{Type: "invalid_encoding", Message: "Invalid character encoding in header", Field: name}
	}
	if strings.ContainsAny(value, "\x00\r\n") {
		return &ValidationError{Type: "header_injection", Message: "Potential header injection detected", Field: name}
	}
	return nil
}

// ValidationMiddleware rejects requests failing validation with 400.
func ValidationMiddleware(validation *InputValidation, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := validation.ValidateRequest(r); err != nil {
				if ve, ok := err.(*ValidationError); ok {
					log.Warn("Input validation failed",
						zap.String("type", ve.Type),
						zap.String("field", ve.Field),
						zap.String("client_ip", r.RemoteAddr),
						zap.String("path", r.URL.Path))
				}
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
