package http

import (
	"encoding/json"

	"reportd/internal/usecase"
)

// SubmitJobRequest is the Data Transfer Object for submitting a job.
type SubmitJobRequest struct {
	Name      string          `json:"name" validate:"required,min=1,max=128"`
	StartYear int             `json:"start_year" validate:"required,gte=1,lte=9999"`
	EndYear   int             `json:"end_year" validate:"required,gtefield=StartYear,lte=9999"`
	Region    json.RawMessage `json:"region" validate:"required"`
}

// ToSubmitRequest converts the DTO for the lifecycle service.
func (r *SubmitJobRequest) ToSubmitRequest() usecase.SubmitRequest {
	return usecase.SubmitRequest{
		Name:      r.Name,
		StartYear: r.StartYear,
		EndYear:   r.EndYear,
		Region:    r.Region,
	}
}

// BulkRequest names the jobs a bulk operation applies to.
type BulkRequest struct {
	Keys []string `json:"keys" validate:"required,min=1,max=500,dive,required"`
}

// BulkDeleteRequest is a BulkRequest that may also remove working directories.
type BulkDeleteRequest struct {
	Keys        []string `json:"keys" validate:"required,min=1,max=500,dive,required"`
	DeleteFiles bool     `json:"delete_files"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}
