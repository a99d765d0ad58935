/*
Package events implements the single broadcaster that fans job and
task lifecycle events out to every subscriber: the HTTP live-update
stream, the scheduler's status watcher, and tests all attach the same
way.

# Delivery model

Publish never blocks the producer. Each subscriber has its own
bounded queue (default 100); when a queue is full, Publish drops that
subscriber's oldest queued event and increments a dropped counter
rather than waiting or dropping the new event. Delivery order is the
global publish order per subscriber; subscribers are independent of
each other.

# Replay and keep-alive

Subscribe(true) pre-loads the subscriber's queue with up to the last
20 published events before future events start arriving, so a
reconnecting client doesn't miss what happened while it was away. If
no event is published for 30 seconds the broadcaster emits a
keep-alive event on its own, so long-lived consumers (an open SSE
connection) can tell the broker is still alive versus the connection
having silently died.

	broker := events.New(events.Config{})
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(true)
	defer sub.Unsubscribe()

	for event := range sub.Events {
		...
	}

	broker.Publish(types.Event{Type: types.EventJobStarted, JobID: &id})
*/
package events
