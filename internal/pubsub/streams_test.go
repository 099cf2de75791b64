package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeStreamMessage(t *testing.T) {
	ev, ok := decodeStreamMessage("form:contact", map[string]interface{}{
		"seq":       "7",
		"timestamp": "2024-05-01T12:00:00Z",
		"data":      `{"type":"submission.created","rowId":"r1"}`,
	})
	assert.True(t, ok)
	assert.Equal(t, int64(7), ev.Sequence)
	assert.Equal(t, "form:contact", ev.Channel)
	assert.Equal(t, "submission.created", ev.Event["type"])
	assert.Equal(t, 2024, ev.Timestamp.Year())

	_, ok = decodeStreamMessage("form:contact", map[string]interface{}{"seq": "x", "data": "{}"})
	assert.False(t, ok)

	_, ok = decodeStreamMessage("form:contact", map[string]interface{}{"seq": "1", "data": "not json"})
	assert.False(t, ok)
}

func TestFormChannel(t *testing.T) {
	assert.Equal(t, "form:contact", FormChannel("contact"))
}
