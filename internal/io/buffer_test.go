package io

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsyncBufferRenamesOnClose(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.csv")

	ab, err := NewAsyncBuffer(context.Background(), path, &AsyncBufferOptions{
		BufferSize:    64,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	_, err = ab.Write([]byte("09,05,a.com,/x,3\n"))
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "final file must not exist before Close")

	require.NoError(t, ab.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "09,05,a.com,/x,3\n", string(b))

	_, err = os.Stat(path + tmpSuffix)
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
	assert.EqualValues(t, 1, ab.GetMetrics().WriteCount.Load())
}

func TestAsyncBufferCloseAfterContextCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")

	ctx, cancel := context.WithCancel(context.Background())
	ab, err := NewAsyncBuffer(ctx, path, nil)
	require.NoError(t, err)

	_, err = ab.Write([]byte("hello\n"))
	require.NoError(t, err)
	cancel()

	require.NoError(t, ab.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(b))

	_, err = ab.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrBufferClosed)
}

func TestAsyncBufferCompressed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv.gz")
	ab, err := NewAsyncBuffer(context.Background(), path, &AsyncBufferOptions{Compressed: true})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("abc,"), 100)
	_, err = ab.Write(payload)
	require.NoError(t, err)
	require.NoError(t, ab.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	got, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAsyncBufferAbortRemovesTemp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	ab, err := NewAsyncBuffer(context.Background(), path, nil)
	require.NoError(t, err)
	_, err = ab.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, ab.Abort())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + tmpSuffix)
	assert.True(t, os.IsNotExist(err))
}
