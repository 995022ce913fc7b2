package scheduler

import (
	"fmt"
	"testing"

	"quicksim/core/models"

	"github.com/stretchr/testify/assert"
)

func TestJobQueueFIFO(t *testing.T) {
	jq := NewJobQueue()
	assert.Nil(t, jq.PopJob())

	for i := 0; i < 5; i++ {
		jq.Enqueue(&models.Job{ID: fmt.Sprintf("job-%d", i)})
	}
	assert.Equal(t, 5, jq.Depth())

	for i := 0; i < 5; i++ {
		job := jq.PopJob()
		if assert.NotNil(t, job) {
			assert.Equal(t, fmt.Sprintf("job-%d", i), job.ID)
		}
	}
	assert.Nil(t, jq.PopJob())
	assert.Zero(t, jq.Depth())
}
