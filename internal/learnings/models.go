package learnings

import "time"

// Learning is one stored piece of operator knowledge (one learnings row).
type Learning struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Topic     string    `json:"topic"`
	Tags      []string  `json:"tags,omitempty"`
	Text      string    `json:"learning_text"`
	Summary   string    `json:"summary"`
	Source    string    `json:"source,omitempty"`
	Author    string    `json:"author,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
