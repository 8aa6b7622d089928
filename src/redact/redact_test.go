package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "****4567", MaskPhone("+1 (555) 123-4567"))
	assert.Equal(t, "****", MaskPhone("12"))
	assert.Equal(t, "****", MaskPhone(""))
}

func TestMaskDOB(t *testing.T) {
	assert.Equal(t, "**/03/14", MaskDOB("1980-03-14"))
	assert.Equal(t, "**/**", MaskDOB("March 14"))
}

func TestMaskName(t *testing.T) {
	assert.Equal(t, "****", MaskName("  "))
	assert.Equal(t, "J****", MaskName("Jordan"))
	assert.Equal(t, "J**** L****", MaskName("Jordan Q Lee"))
}

func TestSanitize(t *testing.T) {
	in := "caller +15551234567 said 555-123-4567, ssn 123-45-6789, born 3/14/1980 or 1980-03-14, mail a.b@example.com"
	out := Sanitize(in)

	assert.NotContains(t, out, "4567")
	assert.NotContains(t, out, "6789")
	assert.NotContains(t, out, "1980")
	assert.NotContains(t, out, "example.com")
	assert.Contains(t, out, "caller +***********")
}

func TestFields(t *testing.T) {
	got := Fields(map[string]string{
		"phone_number":  "+15551234567",
		"patient_name":  "Jordan Lee",
		"date_of_birth": "1980-03-14",
		"ssn":           "123-45-6789",
		"note":          "refill ready",
	})

	assert.Equal(t, "****4567", got["phone_number"])
	assert.Equal(t, "J**** L****", got["patient_name"])
	assert.Equal(t, "**/03/14", got["date_of_birth"])
	assert.Equal(t, "***-**-6789", got["ssn"])
	assert.Equal(t, "refill ready", got["note"])
}
