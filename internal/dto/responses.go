package dto

// MessageResponse - ответ с человекочитаемым сообщением.
type MessageResponse struct {
	Message string `json:"message"`
}

// VerifyResponse - результат проверки кода.
type VerifyResponse struct {
	Valid bool `json:"valid"`
}
