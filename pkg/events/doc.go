/*
Package events provides an in-memory broker for node-local lifecycle events.

The executor publishes an event whenever a task starts, completes or is
killed, when a job is ended, and when a reporter target changes after a
ping or metric request. Subscribers such as the metrics collector receive
every event on a buffered channel.

# Delivery

Publish hands the event to a single distribution goroutine through a
channel buffered for 100 events. The goroutine copies it to each
subscriber channel (50 events each). A subscriber whose buffer is full
misses the event; publishers are never blocked by slow consumers.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.JobID, ev.TaskID)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventTaskStarted, JobID: 1, TaskID: 2})

Events are not persisted. After Stop, Publish returns immediately and the
event is dropped.
*/
package events
