package main

import (
	"time"

	"github.com/liamcoop/querytree/multitenantengine"
	"github.com/liamcoop/querytree/rules"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	Name string `json:"name" example:"Acme Motors"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string    `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name      string    `json:"name" example:"Acme Motors"`
	CreatedAt time.Time `json:"createdAt" example:"2024-01-15T10:30:00Z"`
	UpdatedAt time.Time `json:"updatedAt" example:"2024-01-15T10:30:00Z"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// UpdateSchemaRequest represents the request body for activating a schema
type UpdateSchemaRequest struct {
	Definition multitenantengine.Schema `json:"definition"`
}

// SchemaResponse represents a tenant's active schema
type SchemaResponse struct {
	Version    int                      `json:"version" example:"1"`
	Status     string                   `json:"status,omitempty" example:"active"`
	Definition multitenantengine.Schema `json:"definition"`
	Queries    *int                     `json:"queriesValidated,omitempty" example:"3"`
}

// QueryRequest represents the body for creating or replacing a saved query
type QueryRequest struct {
	Name   string       `json:"name" example:"Sixties coupes"`
	Query  *rules.Query `json:"query"`
	Active *bool        `json:"active,omitempty" example:"true"`
}

// QueryResponse represents a saved query in API responses
type QueryResponse struct {
	ID        string       `json:"id" example:"123e4567-e89b-12d3-a456-426614174000"`
	Name      string       `json:"name" example:"Sixties coupes"`
	Query     *rules.Query `json:"query"`
	Active    bool         `json:"active" example:"true"`
	CreatedAt time.Time    `json:"createdAt" example:"2024-01-15T10:30:00Z"`
	UpdatedAt time.Time    `json:"updatedAt" example:"2024-01-15T10:30:00Z"`
}

// QueriesListResponse represents the response for listing saved queries
type QueriesListResponse struct {
	Queries []QueryResponse `json:"queries"`
}

// CELResponse carries the CEL rendering of a saved query
type CELResponse struct {
	ID         string `json:"id"`
	Expression string `json:"expression" example:"((\"year\" in object && ...))"`
}

// EvaluateRequest represents the request body for evaluation.
// With Query set the inline tree is evaluated; otherwise the saved queries
// listed in Queries, or every active saved query when Queries is empty.
type EvaluateRequest struct {
	TenantID string               `json:"tenantId" example:"123e4567-e89b-12d3-a456-426614174000"`
	Object   rules.BusinessObject `json:"object"`
	Query    *rules.Query         `json:"query,omitempty"`
	Queries  []string             `json:"queries,omitempty"`
}

// EvaluationResultResponse represents a single saved query evaluation
type EvaluationResultResponse struct {
	QueryID   string `json:"queryId" example:"sixties-coupes"`
	QueryName string `json:"queryName" example:"Sixties coupes"`
	Matched   bool   `json:"matched" example:"true"`
	Error     string `json:"error,omitempty"`
}

// EvaluateResponse represents the response for saved query evaluation
type EvaluateResponse struct {
	Results        []EvaluationResultResponse `json:"results"`
	EvaluationTime string                     `json:"evaluationTime" example:"2.3ms"`
}

// InlineEvaluateResponse represents the verdict for an inline query
type InlineEvaluateResponse struct {
	Matched        bool   `json:"matched" example:"true"`
	EvaluationTime string `json:"evaluationTime" example:"45µs"`
}

// PropertyTypeResponse lists the operators one property type supports
type PropertyTypeResponse struct {
	Type      rules.PropertyType `json:"type" example:"int"`
	Operators []string           `json:"operators"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"query validation failed"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string           `json:"status" example:"healthy"`
	Error         string           `json:"error,omitempty"`
	TenantsLoaded int              `json:"tenantsLoaded" example:"2"`
	Counters      map[string]int64 `json:"counters,omitempty"`
}

func toQueryResponse(q *rules.SavedQuery) QueryResponse {
	return QueryResponse{
		ID:        q.ID,
		Name:      q.Name,
		Query:     q.Query,
		Active:    q.Active,
		CreatedAt: q.CreatedAt,
		UpdatedAt: q.UpdatedAt,
	}
}

func toTenantResponse(t multitenantengine.Tenant) TenantResponse {
	return TenantResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}
