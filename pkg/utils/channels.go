package utils

// ReconcileChannelPrefix prefixes every reconcile progress channel
const ReconcileChannelPrefix = "curtailx:reconcile:"

// ReconcileEventStream is the capped stream mirroring reconcile events for replay
const ReconcileEventStream = "curtailx:reconcile:events"

// GetReconcileChannel returns the Pub/Sub channel for a reconcile event name.
func GetReconcileChannel(event string) string {
	return ReconcileChannelPrefix + event
}

// ReconcileChannelPattern matches every reconcile event channel.
func ReconcileChannelPattern() string {
	return ReconcileChannelPrefix + "*"
}
