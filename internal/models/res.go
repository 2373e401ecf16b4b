package models

// ApiResponse is the JSON envelope every route answers with.
type ApiResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Page      int         `json:"page,omitempty"`
	Limit     int         `json:"limit,omitempty"`
	Total     int64       `json:"total,omitempty"`
	HasMore   bool        `json:"has_more,omitempty"`
}

func SuccessResponse(data interface{}, message string) ApiResponse {
	return ApiResponse{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func ErrorResponse(err string) ApiResponse {
	return ApiResponse{
		Success: false,
		Error:   err,
	}
}

// ServerErrorResponse hides the cause and hands back the request ID so the
// client can quote it.
func ServerErrorResponse(msg, requestID string) ApiResponse {
	return ApiResponse{
		Success:   false,
		Error:     msg,
		RequestID: requestID,
	}
}

// PaginatedResponse derives the page number from an offset window.
func PaginatedResponse(data interface{}, offset, limit int, total int64) ApiResponse {
	page := 1
	if limit > 0 {
		page = offset/limit + 1
	}
	return ApiResponse{
		Success: true,
		Data:    data,
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasMore: int64(offset+limit) < total,
	}
}
