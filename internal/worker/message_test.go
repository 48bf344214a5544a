package worker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kworker/source/kafka"
)

func TestParseValue(t *testing.T) {
	v, err := ParseValue([]byte(`{"messageId":"m","retryCount":3,"big":12345678901234567890,"createdAt":"1700"}`))
	require.NoError(t, err)
	assert.Equal(t, "m", v.MessageID())
	assert.EqualValues(t, 3, v.RetryCount())
	assert.EqualValues(t, 1700, v.CreatedAt())
	assert.Equal(t, "12345678901234567890", v.Str("big"))

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"big":12345678901234567890`)
}

func TestParseValue_Rejects(t *testing.T) {
	for _, raw := range []string{``, `null`, `[1,2]`, `"s"`, `{"a":`} {
		_, err := ParseValue([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestValue_Set(t *testing.T) {
	v := Value{"a": "", "b": "x", "c": json.Number("0"), "d": json.Number("5"), "e": false, "f": map[string]any{}}
	for k, want := range map[string]bool{"a": false, "b": true, "c": false, "d": true, "e": false, "f": true, "missing": false} {
		assert.Equal(t, want, v.set(k), k)
	}
}

func TestNewMessage(t *testing.T) {
	rec := &kafka.Record{Topic: "T", Partition: 1, Offset: 4, Key: []byte("k"), Value: []byte(`{}`)}
	m := newMessage(rec)
	assert.Equal(t, "T", m.Topic)
	assert.EqualValues(t, 4, m.Offset)
	assert.Equal(t, rec.Size(), m.Size)
	assert.Equal(t, []byte(`{}`), m.Raw)
	assert.Nil(t, m.Value)
	assert.Equal(t, Value{}, m.traceValue())
}
