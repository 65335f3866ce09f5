package http

import (
	"task-dispatch/internal/domain"
)

// LocationRequest is the DTO for a geographic point.
type LocationRequest struct {
	Lat  float64 `json:"lat" validate:"latitude"`
	Lng  float64 `json:"lng" validate:"longitude"`
	Area string  `json:"area" validate:"omitempty,max=128"`
}

// CreateTaskRequest is the Data Transfer Object for posting a task.
type CreateTaskRequest struct {
	Title    string          `json:"title" validate:"required,min=1,max=255"`
	Category string          `json:"category" validate:"omitempty,max=64"`
	Budget   float64         `json:"budget" validate:"gte=0"`
	Location LocationRequest `json:"location" validate:"required"`
}

// ToDomainTask converts a CreateTaskRequest DTO to a domain.Task object.
func (r *CreateTaskRequest) ToDomainTask(posterID string) *domain.Task {
	return &domain.Task{
		Title:    r.Title,
		Category: r.Category,
		Budget:   r.Budget,
		Location: domain.Location{Lat: r.Location.Lat, Lng: r.Location.Lng, Area: r.Location.Area},
		PostedBy: posterID,
	}
}

// GoOnlineRequest is the DTO for a worker declaring availability. Location is
// optional: a worker may come online before the first location fix arrives.
type GoOnlineRequest struct {
	Location *LocationRequest `json:"location" validate:"omitempty"`
	RadiusKm float64          `json:"radius_km" validate:"omitempty,gte=0"`
}

// HideTaskRequest is the DTO for the moderation toggle.
type HideTaskRequest struct {
	Hidden bool `json:"hidden"`
}

// RealertResponse reports how many workers were alerted again.
type RealertResponse struct {
	AlertsSent int `json:"alerts_sent"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
