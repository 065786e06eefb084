// Package bus is the in-process pub/sub between broker adapters and the
// streaming proxy.
//
// Topics are model.StreamKey values. Publish never blocks: every subscription
// owns a bounded Ring that drops its oldest tick when full, and ticks for
// topics without subscribers are dropped. Both cases are counted.
//
// Tee copies published ticks to optional network mirrors (RedisMirror,
// KafkaTap) through per-mirror async queues.
package bus
