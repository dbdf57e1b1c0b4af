package api

import "prism-sync/domain"

const maxBodySize = 4 << 20

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

type errorResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

type tasksResponse struct {
	Success bool          `json:"success"`
	Message string        `json:"message,omitempty"`
	Tasks   []domain.Task `json:"tasks"`
}

type activitiesResponse struct {
	Success    bool              `json:"success"`
	Message    string            `json:"message,omitempty"`
	Activities []domain.Activity `json:"activities"`
}

type userResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"id"`
}

type tasksRequest struct {
	Tasks []domain.Task `json:"tasks"`
}

type activitiesRequest struct {
	Activities []domain.Activity `json:"activities"`
}

type userRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
}
