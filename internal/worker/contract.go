package worker

import "context"

// Contract is the business step a worker runs for every fetched message.
// Implementations are called from several goroutines at once.
type Contract interface {
	// Validate returning false commits the message without processing it.
	Validate(*Message) bool
	// LogTraceProps adds fields to the message's log trace.
	LogTraceProps(*Message) map[string]any
	// Process returns the messages to send before the input is committed.
	// An error sends the input to the retry topic.
	Process(ctx context.Context, msg *Message) ([]NextMessage, error)
}

// Defaults can be embedded to accept every message and add no log props.
type Defaults struct{}

func (Defaults) Validate(*Message) bool                { return true }
func (Defaults) LogTraceProps(*Message) map[string]any { return nil }

// ProcessFunc adapts a plain function to Contract.
type ProcessFunc func(ctx context.Context, msg *Message) ([]NextMessage, error)

func (ProcessFunc) Validate(*Message) bool                { return true }
func (ProcessFunc) LogTraceProps(*Message) map[string]any { return nil }

func (f ProcessFunc) Process(ctx context.Context, msg *Message) ([]NextMessage, error) {
	return f(ctx, msg)
}
