package validation

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

const MinPasswordRunes = 8

// passwordRules проверяются по порядку, первая невыполненная даёт ошибку.
var passwordRules = []struct {
	match   func(rune) bool
	message string
}{
	{unicode.IsUpper, "пароль должен содержать хотя бы одну заглавную букву"},
	{unicode.IsLower, "пароль должен содержать хотя бы одну строчную букву"},
	{unicode.IsNumber, "пароль должен содержать хотя бы одну цифру"},
}

// ValidatePassword проверяет новый пароль перед сбросом.
// Верхняя граница в байтах - предел bcrypt.
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordRunes {
		return fmt.Errorf("пароль должен быть не менее %d символов", MinPasswordRunes)
	}
	if len(password) > MaxPasswordBytes {
		return fmt.Errorf("пароль должен быть не длиннее %d байт", MaxPasswordBytes)
	}

	for _, rule := range passwordRules {
		if !containsRune(password, rule.match) {
			return errors.New(rule.message)
		}
	}
	return nil
}

func containsRune(s string, match func(rune) bool) bool {
	for _, r := range s {
		if match(r) {
			return true
		}
	}
	return false
}
