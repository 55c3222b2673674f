package virtqueue

import "github.com/rcrowley/go-metrics"

var (
	notifications           = metrics.GetOrRegisterCounter("queue.notifications", nil)
	notificationsSuppressed = metrics.GetOrRegisterCounter("queue.notifications_suppressed", nil)
	resubmitted             = metrics.GetOrRegisterCounter("inflight.resubmitted", nil)
)
