package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier lets the otel propagator read and write trace context in
// Kafka message headers, so an escalation consumed by another instance
// stays on the trace of the pod that raised it.
type HeaderCarrier []segkafka.Header

// Get returns the first header value for key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any header named key.
func (c *HeaderCarrier) Set(key, value string) {
	kept := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			kept = append(kept, h)
		}
	}
	*c = append(kept, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists the header names.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}
