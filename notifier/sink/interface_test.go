package sink

import "github.com/subwatch/subwatch/notifier"

// Compile-time interface verification
var (
	_ notifier.Sink = (*HTTPSink)(nil)
	_ notifier.Sink = (*NatsSink)(nil)
	_ notifier.Sink = (*KafkaSink)(nil)
	_ notifier.Sink = (*MockSink)(nil)
)
