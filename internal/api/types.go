package api

import "github.com/krishimitra/signalbridge/internal/ledger"

// SubmitRequest is the request body for POST /api/v1/requests.
type SubmitRequest struct {
	Kind          string `json:"kind"`
	RequesterName string `json:"requesterName"`
	Issue         string `json:"issue"`
	RoomID        string `json:"roomId"`
}

// ResolveRequest is the request body for POST /api/v1/requests/:id/resolve.
type ResolveRequest struct {
	Decision string `json:"decision"`
}

// RequestListResponse lists pending requests in submission order.
type RequestListResponse struct {
	Requests []ledger.Request `json:"requests"`
	Count    int              `json:"count"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
