package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go-droidagent/pkg/models"
)

func TestMemoriesKeepsMostRecent(t *testing.T) {
	m := New(3)
	for i := 1; i <= 5; i++ {
		m.Add(models.AgentStep{Number: i})
	}
	assert.Len(t, m.Items, 3)
	assert.Equal(t, 3, m.Items[0].Number)
	assert.Equal(t, 5, m.Items[2].Number)
}

func TestMemoriesNonPositiveLimitKeepsOne(t *testing.T) {
	m := New(0)
	assert.Empty(t, m.Items)
	m.Add(models.AgentStep{Number: 1})
	m.Add(models.AgentStep{Number: 2})
	assert.Equal(t, []models.AgentStep{{Number: 2}}, m.Items)
}
