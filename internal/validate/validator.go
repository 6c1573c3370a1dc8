// ABOUTME: Input safety screening for content bodies run before any gate
// ABOUTME: Checks length, encoding, control bytes, normalization and injection idioms

package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Code identifies a validation issue.
type Code string

const (
	CodeEmpty                Code = "EMPTY"
	CodeTooLong              Code = "TOO_LONG"
	CodeInvalidEncoding      Code = "INVALID_ENCODING"
	CodeNullByte             Code = "NULL_BYTE"
	CodeControlChar          Code = "CONTROL_CHAR"
	CodeUnicodeDenormalized  Code = "UNICODE_DENORMALIZED"
	CodeInjectionPattern     Code = "INJECTION_PATTERN_DETECTED"
	CodeContextKeyNotAllowed Code = "CONTEXT_KEY_NOT_ALLOWED"
	CodeTypeMismatch         Code = "TYPE_MISMATCH"
	CodeOutOfRange           Code = "OUT_OF_RANGE"
)

// Issue is one reason input was rejected.
type Issue struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Result is the outcome of a validation. Validation failures are data, never
// Go errors.
type Result struct {
	Valid     bool    `json:"valid"`
	Issues    []Issue `json:"issues"`
	Sanitized string  `json:"sanitized_body,omitempty"`
	RiskScore float64 `json:"risk_score"`
}

func (r *Result) add(code Code, risk float64, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Code: code, Message: fmt.Sprintf(format, args...)})
	r.RiskScore += risk
	if r.RiskScore > 1 {
		r.RiskScore = 1
	}
}

func (r *Result) finish() Result {
	r.Valid = len(r.Issues) == 0
	if r.Issues == nil {
		r.Issues = []Issue{}
	}
	return *r
}

// Codes returns the issue codes in order.
func (r Result) Codes() []Code {
	out := make([]Code, len(r.Issues))
	for i, is := range r.Issues {
		out[i] = is.Code
	}
	return out
}

type injectionPattern struct {
	name   string
	re     *regexp.Regexp
	weight float64
}

// Backticks are deliberately absent: agents post markdown code spans.
var injectionPatterns = []injectionPattern{
	{"sql statement terminator", regexp.MustCompile(`(?i)['"]\s*;\s*(drop|delete|insert|update|alter|create|truncate|exec)\b`), 0.5},
	{"sql union select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`), 0.4},
	{"sql ddl", regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+(table|database|schema)\b`), 0.4},
	{"sql tautology", regexp.MustCompile(`(?i)['"]\s*or\s+['"]?\w+['"]?\s*=\s*['"]?\w+`), 0.4},
	{"sql comment", regexp.MustCompile(`;\s*--`), 0.2},
	{"shell substitution", regexp.MustCompile(`\$\([^)]*\)`), 0.3},
	{"shell command chain", regexp.MustCompile(`(?i)(;|&&|\|\|)\s*(rm|curl|wget|bash|sh|nc|chmod|chown|sudo)\b`), 0.4},
	{"shell pipe to interpreter", regexp.MustCompile(`(?i)\|\s*(sh|bash|zsh|python3?|perl)\b`), 0.4},
	{"script tag", regexp.MustCompile(`(?i)<\s*/?\s*(script|iframe|object|embed|applet)\b`), 0.5},
	{"javascript uri", regexp.MustCompile(`(?i)javascript\s*:`), 0.4},
	{"event handler attribute", regexp.MustCompile(`(?i)<[^>]*\bon[a-z]+\s*=`), 0.4},
}

// Validator screens content bodies and context payloads.
type Validator struct {
	maxLength int
}

// New creates a Validator. maxLength counts runes.
func New(maxLength int) *Validator {
	return &Validator{maxLength: maxLength}
}

// MaxLength returns the configured body length bound.
func (v *Validator) MaxLength() int {
	return v.maxLength
}

// Validate runs every body check. Length and encoding failures stop further
// checks; the remaining checks all run so the caller sees every problem.
func (v *Validator) Validate(body string) Result {
	return v.ValidateWithLimit(body, v.maxLength)
}

// ValidateWithLimit is Validate with an explicit length bound.
func (v *Validator) ValidateWithLimit(body string, maxLength int) Result {
	var r Result

	if strings.TrimSpace(body) == "" {
		r.add(CodeEmpty, 0, "content is empty")
		return r.finish()
	}
	if n := utf8.RuneCountInString(body); maxLength > 0 && n > maxLength {
		r.add(CodeTooLong, 0, "content is %d characters, limit is %d", n, maxLength)
		return r.finish()
	}
	if !utf8.ValidString(body) {
		r.add(CodeInvalidEncoding, 0.3, "content is not valid UTF-8")
		return r.finish()
	}

	if strings.IndexByte(body, 0) >= 0 {
		r.add(CodeNullByte, 0.3, "content contains a null byte")
	}
	if ch, ok := firstControl(body); ok {
		r.add(CodeControlChar, 0.2, "content contains control character U+%04X", ch)
	}

	if !norm.NFKC.IsNormalString(body) {
		r.add(CodeUnicodeDenormalized, 0.2, "content changes under NFKC normalization")
	}

	for _, p := range injectionPatterns {
		if p.re.MatchString(body) {
			r.add(CodeInjectionPattern, p.weight, "matched %s pattern", p.name)
		}
	}

	r.Sanitized = strings.TrimSpace(strings.ReplaceAll(body, "\r\n", "\n"))
	return r.finish()
}

// firstControl finds a control character other than tab, newline, carriage
// return or NUL (reported separately).
func firstControl(s string) (rune, bool) {
	for _, ch := range s {
		if ch == 0 || ch == '\n' || ch == '\r' || ch == '\t' {
			continue
		}
		if unicode.IsControl(ch) || ch == '\u2028' || ch == '\u2029' {
			return ch, true
		}
	}
	return 0, false
}
