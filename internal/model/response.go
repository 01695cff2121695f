package model

// Status codes carried by a Response.
const (
	StatusUnknown = 0
	StatusCreated = 201
)

// Response is the terminal outcome of a Request.
type Response struct {
	StatusCode int
	// TempFilePath is where the downloaded payload sits. Empty on failure.
	TempFilePath string
}

// NewResponse builds a Response.
func NewResponse(code int, tempFilePath string) *Response {
	return &Response{StatusCode: code, TempFilePath: tempFilePath}
}

// Succeeded reports whether the download produced a file.
func (r *Response) Succeeded() bool {
	return r != nil && r.StatusCode == StatusCreated && r.TempFilePath != ""
}
