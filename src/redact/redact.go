// Package redact masks caller-identifying values before they reach logs or
// the audit store.
package redact

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	nonDigit = regexp.MustCompile(`\D`)

	e164Pattern  = regexp.MustCompile(`\+\d{10,15}\b`)
	phonePattern = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}[-.]?\d{2}[-.]?\d{4}\b`)
	slashDate    = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	isoDate      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ssnValue     = regexp.MustCompile(`^\d{3}-\d{2}-\d{4}$`)
	cardValue    = regexp.MustCompile(`^\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}$`)
)

// MaskPhone keeps only the last four digits.
func MaskPhone(phone string) string {
	digits := nonDigit.ReplaceAllString(phone, "")
	if len(digits) < 4 {
		return "****"
	}
	return "****" + digits[len(digits)-4:]
}

// MaskDOB keeps month and day of a YYYY-MM-DD date.
func MaskDOB(dob string) string {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(dob))
	if err != nil {
		return "**/**"
	}
	return t.Format("**/01/02")
}

// MaskName keeps the initials of the first and last name.
func MaskName(name string) string {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "****"
	case 1:
		return initial(parts[0]) + "****"
	}
	return initial(parts[0]) + "**** " + initial(parts[len(parts)-1]) + "****"
}

func initial(s string) string {
	for _, r := range s {
		return string(r)
	}
	return ""
}

// Sanitize replaces phone numbers, SSNs, dates and e-mail addresses in free text.
func Sanitize(msg string) string {
	msg = e164Pattern.ReplaceAllString(msg, "+***********")
	msg = phonePattern.ReplaceAllString(msg, "***-***-****")
	msg = ssnPattern.ReplaceAllString(msg, "***-**-****")
	msg = slashDate.ReplaceAllString(msg, "**/**/****")
	msg = isoDate.ReplaceAllString(msg, "****-**-**")
	msg = emailPattern.ReplaceAllString(msg, "****@****.***")
	return msg
}

// Fields returns a copy of data with identity-bearing values masked. Keys are
// matched case-insensitively by substring, the way audit payloads name them.
func Fields(data map[string]string) map[string]string {
	out := make(map[string]string, len(data))
	for k, v := range data {
		out[k] = maskField(strings.ToLower(k), v)
	}
	return out
}

func maskField(key, value string) string {
	switch {
	case strings.Contains(key, "phone"), key == "from", key == "to", key == "caller":
		return MaskPhone(value)
	case strings.Contains(key, "dob"), strings.Contains(key, "birth"):
		return MaskDOB(value)
	case key == "first_name", key == "last_name":
		if value == "" {
			return "****"
		}
		return initial(value) + "****"
	case strings.Contains(key, "name"):
		return MaskName(value)
	case ssnValue.MatchString(value):
		return "***-**-" + value[len(value)-4:]
	case cardValue.MatchString(value):
		return "****-****-****-" + value[len(value)-4:]
	}
	if strings.IndexFunc(value, unicode.IsDigit) >= 0 {
		return Sanitize(value)
	}
	return value
}
