package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskIDRoundTrip(t *testing.T) {
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewTaskID("nightly-report", due, 2)
	assert.Equal(t, "ct2:nightly-report:1704067200000:2", id)

	parsed, err := ParseTaskID(id)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", parsed.JobName)
	assert.True(t, parsed.Due.Equal(due))
	assert.Equal(t, 2, parsed.Attempt)
}

func TestParseTaskIDRejectsMalformedIds(t *testing.T) {
	tests := map[string]string{
		"empty":             "",
		"old version":       "ct1:job:1704067200000:0",
		"unknown version":   "xx:job:1704067200000:0",
		"too few fields":    "ct2:job:1704067200000",
		"too many fields":   "ct2:job:1704067200000:0:extra",
		"bad due":           "ct2:job:soon:0",
		"bad attempt":       "ct2:job:1704067200000:first",
		"negative attempt":  "ct2:job:1704067200000:-1",
		"missing job name":  "ct2::1704067200000:0",
		"not an id at all":  "run the thing",
		"mesos style id":    "task_1704067200000",
		"whitespace fields": "ct2: job :1704067200000:0x",
	}
	for name, id := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTaskID(id)
			assert.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTaskID)
		})
	}
}

func TestValidateRejectsColonsInNames(t *testing.T) {
	j := &Job{Name: "bad:name", Kind: KindScheduleBased, Schedule: "R1/2024-01-01T00:00:00Z/PT1M"}
	assert.Error(t, j.Validate())
}
