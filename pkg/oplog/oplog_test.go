package oplog

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLog_DropsWhenFull(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)
	// Don't start the background goroutine — nothing drains the channel.

	for i := 0; i < bufferSize; i++ {
		w.Log("svc.example.com", ActionStart, SourceScheduler, "scheduled start")
	}

	// The next log should be dropped (non-blocking), not block the test.
	w.Log("svc.example.com", ActionStart, SourceScheduler, "dropped")

	assert.Len(t, w.entries, bufferSize)
}

func TestLog_PopulatesFields(t *testing.T) {
	logger := slog.Default()
	w := NewWriter(nil, logger)

	w.Log("svc.example.com", ActionStop, SourceAPI, "operator requested stop")

	entry := <-w.entries
	assert.Equal(t, "svc.example.com", entry.AppName)
	assert.Equal(t, ActionStop, entry.Action)
	assert.Equal(t, SourceAPI, entry.Source)
	assert.Equal(t, "operator requested stop", entry.Reason)
	assert.NotEqual(t, [16]byte{}, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}
