package types

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventValidate(t *testing.T) {
	row := Record{"id": 1}
	testCases := []struct {
		name    string
		event   ChangeEvent
		wantErr bool
	}{
		{"insert ok", ChangeEvent{Operation: Insert, After: row}, false},
		{"insert with before", ChangeEvent{Operation: Insert, Before: row, After: row}, true},
		{"insert without after", ChangeEvent{Operation: Insert}, true},
		{"update with both", ChangeEvent{Operation: Update, Before: row, After: row}, false},
		{"update without before", ChangeEvent{Operation: Update, After: row}, false},
		{"update without after", ChangeEvent{Operation: Update, Before: row}, true},
		{"delete key only", ChangeEvent{Operation: Delete, Before: row}, false},
		{"delete with after", ChangeEvent{Operation: Delete, Before: row, After: row}, true},
		{"unknown operation", ChangeEvent{Operation: "truncate"}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChangeEventJSONKeepsPosition(t *testing.T) {
	captured := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	event := ChangeEvent{
		TableName: "inventory.orders",
		Operation: Update,
		Before:    Record{"id": "7", "status": "new"},
		After:     Record{"id": "7", "status": "paid"},
		Metadata: EventMetadata{
			Position:       NewFilePosition("mysql-bin.000002", 4411),
			CapturedAtUTC:  captured,
			TransactionID:  "tx-1",
			SourceDatabase: "shop",
			SourceSchema:   "inventory",
		},
	}

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded ChangeEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, event, decoded)
}

func TestErrorMatchesByCode(t *testing.T) {
	err := WrapError(StreamInterrupted, errors.New("connection reset"), "read failed")
	assert.True(t, errors.Is(err, ErrStreamInterrupted))
	assert.False(t, errors.Is(err, ErrHandlerFailed))
	assert.Equal(t, StreamInterrupted, CodeOf(err))
	assert.Contains(t, err.Error(), "connection reset")

	sharded := &Error{Code: ShardStreamFailed, ShardID: "b", Err: err}
	assert.True(t, errors.Is(sharded, ErrShardStreamFailed))
	assert.True(t, errors.Is(sharded, ErrStreamInterrupted))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
