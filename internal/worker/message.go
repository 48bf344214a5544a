package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"kworker/source/kafka"
)

// Value is a decoded JSON payload. Numbers are kept as json.Number so
// re-encoding does not lose precision.
type Value map[string]any

func ParseValue(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v Value
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if v == nil {
		return nil, errors.New("payload is not a JSON object")
	}
	return v, nil
}

func (v Value) Str(key string) string {
	switch x := v[key].(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func (v Value) Int(key string) int64 {
	switch x := v[key].(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(x)
	case int:
		return int64(x)
	case int64:
		return x
	case string:
		n, _ := strconv.ParseInt(x, 10, 64)
		return n
	}
	return 0
}

func (v Value) MessageID() string     { return v.Str("messageId") }
func (v Value) CorrelationID() string { return v.Str("correlationId") }
func (v Value) OriginID() string      { return v.Str("originId") }
func (v Value) RetryCount() int64     { return v.Int("retryCount") }
func (v Value) CreatedAt() int64      { return v.Int("createdAt") }

// set reports whether key holds a non-empty value.
func (v Value) set(key string) bool {
	switch x := v[key].(type) {
	case nil:
		return false
	case string:
		return x != ""
	case json.Number:
		return x != "" && x != "0"
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	case bool:
		return x
	}
	return true
}

// Message is one fetched record. Value is nil when the payload could not
// be decoded; Raw always holds the bytes as fetched.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Size      int
	Key       []byte
	Headers   map[string]string
	Raw       []byte
	Value     Value

	rec *kafka.Record
}

func newMessage(rec *kafka.Record) *Message {
	return &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Size:      rec.Size(),
		Key:       rec.Key,
		Headers:   rec.Headers,
		Raw:       rec.Value,
		rec:       rec,
	}
}

func (m *Message) traceValue() Value {
	if m.Value == nil {
		return Value{}
	}
	return m.Value
}

// NextMessage is a derived message the contract wants sent to Topic.
type NextMessage struct {
	Topic string
	Value Value
}
