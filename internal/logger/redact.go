package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts gate credentials, submitted passwords, and bcrypt hashes from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Credential registry in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(gate_credentials["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(credentials["'\s:=]+)\S+`),
	// Password or secret in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(password["'\s:=]+)[^\s",}]+`),
	regexp.MustCompile(`(?i)(secret["'\s:=]+)[^\s",}]+`),
	// bcrypt hashes anywhere in the line
	regexp.MustCompile(`(\$2[aby]\$\d{2}\$)[./A-Za-z0-9]{53}`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Report the original length so callers don't see short writes
	// when redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement []byte that keeps capture group $1 + redact.
func appendRedacted(redact string) []byte {
	// All our patterns have exactly one capture group for the key/prefix.
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
