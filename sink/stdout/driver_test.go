package stdout

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kworker/sink"
)

func TestDriver_PrintsValues(t *testing.T) {
	var buf bytes.Buffer
	d := NewWriter(&buf)
	require.NoError(t, d.Configure(Config{PrintValue: true, ValueMaxBytes: 4}))

	require.NoError(t, d.Produce(context.Background(), "out", [][]byte{[]byte("abcdef"), []byte("xy")}))
	assert.Equal(t, "[sink 000001] out abcd\n[sink 000002] out xy\n", buf.String())
}

func TestDriver_RegisteredAndReady(t *testing.T) {
	a, err := sink.NewAdapter("stdout")
	require.NoError(t, err)
	require.NoError(t, a.Configure(nil))
	select {
	case <-a.Ready():
	default:
		t.Fatal("stdout sink must be ready immediately")
	}
	assert.NoError(t, a.Close())
}
