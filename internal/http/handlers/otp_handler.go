package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/wetoo/backend/internal/dto"
	"github.com/wetoo/backend/internal/http/handlers/common"
	"github.com/wetoo/backend/internal/http/response"
	"github.com/wetoo/backend/internal/models"
	"github.com/wetoo/backend/internal/pkg/apperror"
)

// OTPService - сценарии одноразовых кодов, нужные HTTP слою.
type OTPService interface {
	RequestCode(ctx context.Context, identity string, purpose models.Purpose) error
	VerifyCode(ctx context.Context, identity string, purpose models.Purpose, code string) (bool, error)
	ResetWithCode(ctx context.Context, identity string, purpose models.Purpose, code, newCredential string) error
}

type OTPHandler struct {
	svc OTPService
}

func NewOTPHandler(svc OTPService) *OTPHandler {
	return &OTPHandler{svc: svc}
}

// Request POST /api/otp/request
func (h *OTPHandler) Request(c *gin.Context) {
	var req dto.OTPRequestRequest
	if !common.BindJSON(c, &req) {
		return
	}
	purpose, ok := parsePurpose(c, req.Purpose)
	if !ok {
		return
	}
	h.request(c, req.Email, purpose)
}

// Verify POST /api/otp/verify
func (h *OTPHandler) Verify(c *gin.Context) {
	var req dto.OTPVerifyRequest
	if !common.BindJSON(c, &req) {
		return
	}
	purpose, ok := parsePurpose(c, req.Purpose)
	if !ok {
		return
	}
	h.verify(c, req.Email, purpose, req.Code)
}

// Reset POST /api/otp/reset
func (h *OTPHandler) Reset(c *gin.Context) {
	var req dto.OTPResetRequest
	if !common.BindJSON(c, &req) {
		return
	}
	purpose := models.PurposePasswordReset
	if req.Purpose != "" {
		var ok bool
		if purpose, ok = parsePurpose(c, req.Purpose); !ok {
			return
		}
	}
	h.reset(c, req.Email, purpose, req.Code, req.NewPassword)
}

// Forgot POST /api/auth/forgot
func (h *OTPHandler) Forgot(c *gin.Context) {
	var req dto.ForgotRequest
	if !common.BindJSON(c, &req) {
		return
	}
	h.request(c, req.Email, models.PurposePasswordReset)
}

// ForgotVerify POST /api/auth/forgot/verify
func (h *OTPHandler) ForgotVerify(c *gin.Context) {
	var req dto.ForgotVerifyRequest
	if !common.BindJSON(c, &req) {
		return
	}
	h.verify(c, req.Email, models.PurposePasswordReset, req.Code)
}

// ForgotReset POST /api/auth/forgot/reset
func (h *OTPHandler) ForgotReset(c *gin.Context) {
	var req dto.OTPResetRequest
	if !common.BindJSON(c, &req) {
		return
	}
	h.reset(c, req.Email, models.PurposePasswordReset, req.Code, req.NewPassword)
}

func (h *OTPHandler) request(c *gin.Context, email string, purpose models.Purpose) {
	if err := h.svc.RequestCode(c.Request.Context(), email, purpose); err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, dto.MessageResponse{Message: "код отправлен"})
}

func (h *OTPHandler) verify(c *gin.Context, email string, purpose models.Purpose, code string) {
	valid, err := h.svc.VerifyCode(c.Request.Context(), email, purpose, code)
	if err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, dto.VerifyResponse{Valid: valid})
}

func (h *OTPHandler) reset(c *gin.Context, email string, purpose models.Purpose, code, newPassword string) {
	if err := h.svc.ResetWithCode(c.Request.Context(), email, purpose, code, newPassword); err != nil {
		common.Fail(c, err)
		return
	}
	response.Success(c, dto.MessageResponse{Message: "пароль обновлён"})
}

func parsePurpose(c *gin.Context, raw string) (models.Purpose, bool) {
	purpose, err := models.ParsePurpose(raw)
	if err != nil {
		common.Fail(c, apperror.New(apperror.ErrCodeValidation, err.Error()))
		return "", false
	}
	return purpose, true
}
