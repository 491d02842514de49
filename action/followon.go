package action

import (
	"encoding/json"

	"github.com/awehrman/peas-sub008/queue"
)

// FollowOn is a job the worker enqueues after the pipeline succeeds.
type FollowOn struct {
	QueueName string
	Payload   json.RawMessage
	Opts      queue.EnqueueOptions
}

// FollowOnCarrier is implemented by pipeline results that declare
// follow-on jobs. The worker enqueues them after acknowledging success.
type FollowOnCarrier interface {
	FollowOns() []FollowOn
}
