package service

import (
	"fmt"
	"html"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/wetoo/backend/internal/mailer"
	"github.com/wetoo/backend/internal/models"
)

const brandName = "WE TOO"

// formatPurpose превращает "password_reset" в "Password Reset".
// Caser хранит состояние, поэтому создаётся на каждый вызов.
func formatPurpose(p models.Purpose) string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(p), "_", " "))
}

// composeCodeMessage собирает письмо с кодом. Срок действия округляется до минут вверх.
func composeCodeMessage(to string, purpose models.Purpose, code string, ttl time.Duration) mailer.Message {
	title := formatPurpose(purpose)
	minutes := int((ttl + time.Minute - 1) / time.Minute)

	text := fmt.Sprintf(
		"Your %s code is %s.\n\nIt expires in %d minutes. If you did not request it, ignore this email.\n\n%s",
		strings.ToLower(title), code, minutes, brandName,
	)
	body := fmt.Sprintf(
		`<div style="font-family:sans-serif"><p>Your %s code is:</p>`+
			`<p style="font-size:24px;font-weight:bold;letter-spacing:4px">%s</p>`+
			`<p>It expires in %d minutes. If you did not request it, ignore this email.</p>`+
			`<p>%s</p></div>`,
		html.EscapeString(strings.ToLower(title)), html.EscapeString(code), minutes, brandName,
	)

	return mailer.Message{
		To:      to,
		Subject: fmt.Sprintf("%s - %s code", brandName, title),
		Text:    text,
		HTML:    body,
	}
}
