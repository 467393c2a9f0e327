package broker

import (
	"net/http"

	"github.com/tidwall/gjson"
)

// classifyResponse turns a non-2xx broker response into a classified
// *APIError. The broker reports failures as
// {"status":"error","message":"...","error_type":"TokenException"}; the
// error_type, when present, is more reliable than the status code alone.
func classifyResponse(statusCode int, body []byte) *APIError {
	if statusCode < 300 {
		if gjson.GetBytes(body, "status").String() == "error" {
			// Some deployments tunnel errors through HTTP 200.
			return &APIError{
				Kind:       kindFor(statusCode, gjson.GetBytes(body, "error_type").String()),
				StatusCode: statusCode,
				ErrorType:  gjson.GetBytes(body, "error_type").String(),
				Message:    gjson.GetBytes(body, "message").String(),
			}
		}
		return nil
	}
	errorType := gjson.GetBytes(body, "error_type").String()
	message := gjson.GetBytes(body, "message").String()
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &APIError{
		Kind:       kindFor(statusCode, errorType),
		StatusCode: statusCode,
		ErrorType:  errorType,
		Message:    message,
	}
}

func kindFor(statusCode int, errorType string) Kind {
	switch errorType {
	case "TokenException":
		return KindInvalidToken
	case "PermissionException", "UserException":
		return KindUnauthorized
	case "NetworkException":
		return KindNetwork
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusForbidden:
		// 403 without an error_type is still a token rejection on this API.
		return KindInvalidToken
	case statusCode == http.StatusUnauthorized:
		return KindUnauthorized
	case statusCode >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}
