package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	messages []posthog.Message
	closed   bool
	err      error
}

func (r *recorder) Enqueue(m posthog.Message) error {
	r.messages = append(r.messages, m)
	return r.err
}

func (r *recorder) Close() error {
	r.closed = true
	return nil
}

func TestDisabledWithoutKey(t *testing.T) {
	c := New(Config{})
	assert.False(t, c.Enabled())
	c.Capture("tile_definitive_failure", map[string]any{"layer": "x"})
	assert.NoError(t, c.Close())

	var nilClient *Client
	assert.False(t, nilClient.Enabled())
	nilClient.Capture("ignored", nil)
}

func TestCapture(t *testing.T) {
	rec := &recorder{}
	c := newClient(rec, Config{DistinctID: "install-1"})
	require.True(t, c.Enabled())

	c.Capture("prefetch_complete", map[string]any{"layer": "imagery", "total": 16, "os": "override"})

	require.Len(t, rec.messages, 1)
	capture, ok := rec.messages[0].(posthog.Capture)
	require.True(t, ok)
	assert.Equal(t, "install-1", capture.DistinctId)
	assert.Equal(t, "prefetch_complete", capture.Event)
	assert.Equal(t, "imagery", capture.Properties["layer"])
	assert.Equal(t, 16, capture.Properties["total"])
	assert.Equal(t, "override", capture.Properties["os"])
	assert.Equal(t, Version, capture.Properties["version"])

	rec.err = errors.New("queue full")
	c.Capture("dropped", nil)
	assert.Len(t, rec.messages, 2)

	require.NoError(t, c.Close())
	assert.True(t, rec.closed)
}

func TestRandomDistinctID(t *testing.T) {
	a := newClient(&recorder{}, Config{})
	b := newClient(&recorder{}, Config{})
	assert.NotEqual(t, a.distinctID, b.distinctID)
	_, err := uuid.Parse(a.distinctID)
	assert.NoError(t, err)
}

func TestInstallID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "install-id")

	id, err := InstallID(path)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	again, err := InstallID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0644))
	replaced, err := InstallID(path)
	require.NoError(t, err)
	assert.NotEqual(t, id, replaced)
}
