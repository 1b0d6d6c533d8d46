package location

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courierhub/internal/modules/courier"
	"courierhub/internal/types"
)

type recordingWriter struct {
	sets    map[string]interface{}
	deletes []string
	err     error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{sets: map[string]interface{}{}}
}

func (w *recordingWriter) Set(_ context.Context, path string, v interface{}) error {
	if w.err != nil {
		return w.err
	}
	w.sets[path] = v
	return nil
}

func (w *recordingWriter) Delete(_ context.Context, path string) error {
	if w.err != nil {
		return w.err
	}
	w.deletes = append(w.deletes, path)
	return nil
}

func TestMirrorWritesOnlineCourier(t *testing.T) {
	w := newRecordingWriter()
	m := NewRTDBMirror(w, "", nil)
	at := time.UnixMilli(1700000000000)

	err := m.Mirror(context.Background(), courier.Presence{
		CourierID: "c1",
		Status:    courier.StatusBusy,
		Position:  types.Point{Lat: 25.03, Lng: 121.56},
		AccuracyM: 8,
		UpdatedAt: at,
	})
	require.NoError(t, err)

	got, ok := w.sets["courier_locations/c1"].(Entry)
	require.True(t, ok)
	assert.Equal(t, Entry{Lat: 25.03, Lng: 121.56, Accuracy: 8, Status: "busy", Timestamp: 1700000000000}, got)
	assert.Empty(t, w.deletes)
}

func TestMirrorRemovesOfflineCourier(t *testing.T) {
	w := newRecordingWriter()
	m := NewRTDBMirror(w, "live", nil)

	require.NoError(t, m.Mirror(context.Background(), courier.Presence{CourierID: "c1", Status: courier.StatusOffline}))
	assert.Equal(t, []string{"live/c1"}, w.deletes)
	assert.Empty(t, w.sets)
}

func TestMirrorWrapsWriterError(t *testing.T) {
	boom := errors.New("rtdb down")
	w := newRecordingWriter()
	w.err = boom
	m := NewRTDBMirror(w, "", nil)

	err := m.Mirror(context.Background(), courier.Presence{CourierID: "c1", Status: courier.StatusOnline})
	assert.ErrorIs(t, err, boom)
}

func TestMirrorIgnoresAnonymousPresence(t *testing.T) {
	w := newRecordingWriter()
	m := NewRTDBMirror(w, "", nil)

	require.NoError(t, m.Mirror(context.Background(), courier.Presence{Status: courier.StatusOnline}))
	assert.Empty(t, w.sets)
	assert.Empty(t, w.deletes)
}
