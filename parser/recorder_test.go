package parser

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderReplay(t *testing.T) {
	dir := t.TempDir()
	image := bytes.NewReader([]byte("0123456789abcdef"))

	recorder := NewRecorder(dir, image)
	buf := make([]byte, 4)
	n, err := recorder.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "4567", string(buf))

	// Replaying without the image serves the recorded range only.
	replay := NewRecorder(dir, nil)
	buf = make([]byte, 4)
	n, err = replay.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "4567", string(buf))

	_, err = replay.ReadAt(buf, 8)
	assert.True(t, errors.Is(err, NotFoundError))

	// A recorded image works as a device.
	device := NewReaderDevice(recorder, nil, 0, 16, 8)
	data, err := device.ReadSectors(1, 1)
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", string(data))
}
