package dto

type SendMessageRequest struct {
	Destination     string `json:"destination" binding:"required"`
	Body            string `json:"body" binding:"required"`
	LinkedMessageID string `json:"linked_message_id"`
}

type ListJobsRequest struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

type JobDTO struct {
	ID              string `json:"id"`
	Destination     string `json:"destination"`
	Body            string `json:"body"`
	Status          string `json:"status"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	LinkedMessageID string `json:"linked_message_id,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}
