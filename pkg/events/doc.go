/*
Package events provides an in-process publish/subscribe broker.

The job engine publishes lifecycle events (job.acquired, job.succeeded,
job.failed, job.cancelled) and worker.status snapshots without knowing who
listens. The worker subscribes to the two types the coordination server
cares about and forwards them over the control channel.

Publish never blocks on slow subscribers: each subscriber has a buffer of 50
events and events that do not fit are skipped and counted in
burrow_events_dropped_total. Events get a ULID and a
timestamp when published without one.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventStatusChanged)
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		...
	}
*/
package events
