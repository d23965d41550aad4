package recordio

import (
	"bytes"
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/fidde/cube_planner/pkg/models"
)

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteInt64(-1, []byte("ratio")))
	require.NoError(t, w.WriteInt64(7, []byte{}))
	require.NoError(t, w.Write([]byte("k"), bytes.Repeat([]byte{1}, 70000)))
	require.NoError(t, w.Flush())
	require.Equal(t, 3, w.Count())

	records, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, records, 3)

	k, err := KeyInt64(records[0].Key)
	require.NoError(t, err)
	require.Equal(t, int64(-1), k)
	require.Equal(t, []byte("ratio"), records[0].Value)

	k, err = KeyInt64(records[1].Key)
	require.NoError(t, err)
	require.Equal(t, int64(7), k)
	require.Empty(t, records[1].Value)

	require.Len(t, records[2].Value, 70000)
}

func TestReader_Empty(t *testing.T) {
	_, _, err := NewReader(bytes.NewReader(nil)).Next()
	require.Equal(t, io.EOF, err)
}

func TestReader_Corrupt(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteInt64(1, []byte("value")))
	require.NoError(t, w.Flush())
	good := buf.Bytes()

	tests := map[string][]byte{
		"truncated body":   good[:len(good)-2],
		"truncated length": {0x80},
		"bad tag":          {2, 0x08, 0x01},
		"missing value":    {3, 0x0a, 0x01, 'k'},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadAll(bytes.NewReader(raw))
			require.True(t, errors.Is(err, models.ErrCorruptData), "got %v", err)
		})
	}

	_, err := KeyInt64([]byte{1, 2})
	require.True(t, errors.Is(err, models.ErrCorruptData))
}
