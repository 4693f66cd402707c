/*
Package events provides the in-memory broker that carries operation
progress to interested consumers.

Orchestrators publish one event when an operation starts, one per completed
or failed step, and one when it reaches a terminal status. The monitor
publishes health.changed when the cluster verdict changes, and the chaos
harness publishes chaos.phase as a scenario moves through its phases. The
CLI subscribes to print progress lines.

	orchestrator ──Publish──▶ eventCh (256) ──run──▶ subscriber (64 each)
	monitor      ──────────┘                    └──▶ subscriber ...

Publish never blocks: when the queue is full the event is dropped and
counted, and a subscriber whose buffer is full misses the event. Events are
a progress feed, not a record; nothing is persisted.

Every event carries a random UUID. Operation events also carry the
operation ID so a subscriber can follow one operation among several.
*/
package events
