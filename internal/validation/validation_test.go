package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{"valid", "Secret123", false},
		{"too short", "Se1", true},
		{"no upper", "secret123", true},
		{"no lower", "SECRET123", true},
		{"no digit", "SecretPass", true},
		{"too long", "Aa1" + strings.Repeat("x", 80), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail("User.Name+tag@Example.com"))
	assert.NoError(t, ValidateEmail("  a@example.com "))
	assert.Error(t, ValidateEmail(""))
	assert.Error(t, ValidateEmail("no-at-sign"))
	assert.Error(t, ValidateEmail("a@b@example.com"))
	assert.Error(t, ValidateEmail("a@localhost"))
	assert.Error(t, ValidateEmail("a b@example.com"))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@example.com", NormalizeEmail("  A@Example.COM\n"))
}

func TestValidateCode(t *testing.T) {
	assert.NoError(t, ValidateCode("123456"))
	assert.Error(t, ValidateCode(""))
	assert.Error(t, ValidateCode("   "))
	assert.Error(t, ValidateCode(strings.Repeat("1", MaxCodeLength+1)))
}
