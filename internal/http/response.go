package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an update or clear was applied.
	StatusSuccess Status = "success"

	// StatusError indicates the request was rejected.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Table  string `json:"table,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse(table string) Response {
	return Response{Status: StatusSuccess, Table: table}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
