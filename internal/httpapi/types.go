package httpapi

import (
	"github.com/ryabkov82/rndc-batch-server/internal/apperror"
	"github.com/ryabkov82/rndc-batch-server/internal/batch"
	"github.com/ryabkov82/rndc-batch-server/internal/submission"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Success bool                    `json:"success"`
	Error   *apperror.StandardError `json:"error"`
}

// CreateBatchRequest is the body of POST /batches.
type CreateBatchRequest struct {
	Submissions []submission.Record `json:"submissions"`
	WSURL       string              `json:"wsUrl"`
}

// CreateBatchResponse answers POST /batches and POST /imports.
type CreateBatchResponse struct {
	Success bool   `json:"success"`
	BatchID string `json:"batchId,omitempty"`
	Message string `json:"message"`
	Total   int    `json:"total,omitempty"`
}

// BatchResponse answers GET /batches/{id}.
type BatchResponse struct {
	Success bool         `json:"success"`
	Batch   *batch.Batch `json:"batch"`
}

// SubmissionsResponse answers GET /submissions.
type SubmissionsResponse struct {
	Success     bool                `json:"success"`
	Submissions []submission.Record `json:"submissions"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	XMLRequest string `json:"xmlRequest"`
	WSURL      string `json:"wsUrl"`
}

// QueryResponse answers POST /query. Data holds the leaf values of the
// registry answer keyed by lowercase element name.
type QueryResponse struct {
	Success bool              `json:"success"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data"`
	RawXML  string            `json:"rawXml"`
}

// ImportRequest is the body of POST /imports. The file is read on the
// server from below its allowed base directory.
type ImportRequest struct {
	InputPath   string `json:"inputPath"`
	Kind        string `json:"kind"`
	Environment string `json:"environment,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
	Delimiter   string `json:"delimiter,omitempty"`
}
