package buffer

import "go-droidagent/pkg/models"

// Memories keeps the most recent steps of a session for the reasoning context.
type Memories struct {
	Items []models.AgentStep `json:"memories"`
	Limit int                `json:"limit"`
}

func New(limit int) *Memories {
	if limit <= 0 {
		limit = 1
	}
	return &Memories{Items: make([]models.AgentStep, 0, limit), Limit: limit}
}

// Add appends a step, evicting the oldest once the window is full.
func (m *Memories) Add(step models.AgentStep) {
	m.Items = append(m.Items, step)
	if over := len(m.Items) - m.Limit; over > 0 {
		m.Items = append(m.Items[:0:0], m.Items[over:]...)
	}
}
