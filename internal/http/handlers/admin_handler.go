package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/wetoo/backend/internal/http/response"
	"github.com/wetoo/backend/internal/service"
)

// MailDiagnostics - диагностика почтовых каналов.
type MailDiagnostics interface {
	EmailConfig() service.EmailConfigReport
	Probe(ctx context.Context) []service.ProbeResult
}

type AdminHandler struct {
	diag MailDiagnostics
}

func NewAdminHandler(diag MailDiagnostics) *AdminHandler {
	return &AdminHandler{diag: diag}
}

// EmailConfig GET /api/admin/email-config
func (h *AdminHandler) EmailConfig(c *gin.Context) {
	response.Success(c, h.diag.EmailConfig())
}

type emailVerifyResponse struct {
	OK       bool                  `json:"ok"`
	Channels []service.ProbeResult `json:"channels"`
}

// EmailVerify GET /api/admin/email-verify
func (h *AdminHandler) EmailVerify(c *gin.Context) {
	results := h.diag.Probe(c.Request.Context())
	ok := len(results) > 0
	for _, r := range results {
		ok = ok && r.OK
	}
	response.Success(c, emailVerifyResponse{OK: ok, Channels: results})
}
