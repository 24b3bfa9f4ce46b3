package types

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/hibiken/asynq"
)

var (
	// QueueTypeRewrapRotation re-wraps envelopes after a local key rotation
	QueueTypeRewrapRotation = "rewrap:rotation"
	// QueueTypeRewrapSweep scans for stale envelopes and re-wraps stragglers
	QueueTypeRewrapSweep = "rewrap:sweep"
)

// RewrapTask asks the queue to re-wrap the owner's copies of message keys that
// were wrapped under a public-key version older than ToVersion.
type RewrapTask struct {
	AccountID string `cbor:"1,keyasint"`
	ToVersion int    `cbor:"2,keyasint"`
	// MessageID limits the task to a single envelope when set
	MessageID string `cbor:"3,keyasint,omitempty"`
}

func NewRewrapRotationTask(task *RewrapTask) (*asynq.Task, error) {
	payload, err := cbor.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(QueueTypeRewrapRotation, payload), nil
}

func NewRewrapSweepTask(task *RewrapTask) (*asynq.Task, error) {
	payload, err := cbor.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(QueueTypeRewrapSweep, payload), nil
}
