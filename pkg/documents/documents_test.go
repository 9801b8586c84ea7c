package documents

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRendersDescriptor(t *testing.T) {
	// setup
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewService(0, func() time.Time { return now })

	// when
	doc, err := s.Generate(t.Context(), "invoice", map[string]any{"amount": int64(10)})

	// then
	require.NoError(t, err)
	assert.Equal(t, "zenworkflow://documents/invoice/"+doc.Id, doc.Uri)
	assert.Equal(t, ContentType, doc.ContentType)
	data, ok := s.Get(doc.Id)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), doc.Size)
	var d Descriptor
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "invoice", d.TemplateId)
	assert.Equal(t, now, d.GeneratedAt)
	assert.Equal(t, float64(10), d.Variables["amount"])
}

func TestGenerateDropsOldestBeyondCapacity(t *testing.T) {
	// setup
	s := NewService(2, nil)

	// when
	first, err := s.Generate(t.Context(), "a", nil)
	require.NoError(t, err)
	_, err = s.Generate(t.Context(), "b", nil)
	require.NoError(t, err)
	third, err := s.Generate(t.Context(), "c", nil)
	require.NoError(t, err)

	// then
	_, ok := s.Get(first.Id)
	assert.False(t, ok)
	_, ok = s.Get(third.Id)
	assert.True(t, ok)
	_, err = s.Generate(t.Context(), "", nil)
	assert.Error(t, err)
}
