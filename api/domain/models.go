package domain

import "time"

type Session struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	Title     *string        `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Message struct {
	ID          int64          `json:"id"`
	SessionID   int64          `json:"session_id"`
	Role        string         `json:"role"` // system, user, assistant, tool
	Content     string         `json:"content"`
	Metadata    map[string]any `json:"metadata"`
	ExtractedAt *time.Time     `json:"extracted_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Memory struct {
	ID        int64          `json:"id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"-"` // pgvector, not exposed via API
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RelatedMemory is a memory paired with its cosine similarity to a query.
type RelatedMemory struct {
	Memory
	Similarity float64 `json:"similarity"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
