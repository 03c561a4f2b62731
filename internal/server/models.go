package server

import (
	"github.com/mohammad-safakhou/askace/internal/ace"
	"github.com/mohammad-safakhou/askace/internal/playbook"
)

// HTTPError is the error envelope returned by the server.
type HTTPError struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// PlaybookResponse lists playbook items.
type PlaybookResponse struct {
	Items []playbook.Item `json:"items"`
}

// DeprecateRequest explains a manual deprecation.
type DeprecateRequest struct {
	Reason string `json:"reason"`
}

// DeprecateResponse reports the merge a deprecation produced.
type DeprecateResponse struct {
	ID     string          `json:"id"`
	Result ace.MergeResult `json:"result"`
}
