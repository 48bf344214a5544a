package worker

import "errors"

var (
	ErrMalformedPayload = errors.New("worker: malformed payload")
	ErrEmptyBatch       = errors.New("worker: empty message batch")
	ErrNoTopic          = errors.New("worker: next message has no topic")
	ErrContractPanic    = errors.New("worker: contract panicked")
	ErrOffsetRepair     = errors.New("worker: offset repair failed")
	ErrClosed           = errors.New("worker: closed")
	ErrStarted          = errors.New("worker: already started")
	ErrNilContract      = errors.New("worker: nil contract")
	ErrNilAdapter       = errors.New("worker: nil consumer adapter")
	ErrNilProducer      = errors.New("worker: nil producer")
)
