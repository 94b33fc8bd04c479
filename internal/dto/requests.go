package dto

// OTPRequestRequest - запрос на выпуск кода.
type OTPRequestRequest struct {
	Email   string `json:"email" binding:"required"`
	Purpose string `json:"purpose" binding:"required"`
}

// OTPVerifyRequest - проверка кода без его использования.
type OTPVerifyRequest struct {
	Email   string `json:"email" binding:"required"`
	Purpose string `json:"purpose" binding:"required"`
	Code    string `json:"code" binding:"required"`
}

// OTPResetRequest - смена пароля по коду. Purpose по умолчанию password_reset.
type OTPResetRequest struct {
	Email       string `json:"email" binding:"required"`
	Purpose     string `json:"purpose"`
	Code        string `json:"code" binding:"required"`
	NewPassword string `json:"newPassword" binding:"required"`
}

// ForgotRequest - запрос кода сброса пароля.
type ForgotRequest struct {
	Email string `json:"email" binding:"required"`
}

// ForgotVerifyRequest - проверка кода сброса пароля.
type ForgotVerifyRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}
