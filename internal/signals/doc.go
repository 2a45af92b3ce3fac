// Package signals contains the stateful processors that turn raw market
// data into scored, directional signals, plus the aggregator that fuses
// them into one regime-weighted composite per market.
//
// Every processor implements the Processor contract and is driven by a
// Runner: one consumer per input topic, all in the signal_processors
// group, with each emitted signal published to the processor's own topic
// and to the signals:all fan-in topic.
package signals
