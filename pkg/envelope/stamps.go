// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package envelope

import "time"

// DelayStamp asks the transport to deliver the message after Delay.
type DelayStamp struct {
	Delay time.Duration
}

// NewDelayStamp returns a DelayStamp for the given duration.
func NewDelayStamp(d time.Duration) DelayStamp {
	return DelayStamp{Delay: d}
}

// StampName implements Stamp.
func (DelayStamp) StampName() string {
	return "delay"
}

// Milliseconds returns the delay in whole milliseconds, never negative.
func (s DelayStamp) Milliseconds() int64 {
	if s.Delay <= 0 {
		return 0
	}

	return s.Delay.Milliseconds()
}

// RedeliveryStamp marks an envelope that is being sent again after a
// failed handling attempt.
type RedeliveryStamp struct {
	RetryCount int
}

// StampName implements Stamp.
func (RedeliveryStamp) StampName() string {
	return "redelivery"
}

// RawMessage is a message carried as opaque bytes.
type RawMessage []byte

// MessageType implements Named.
func (RawMessage) MessageType() string {
	return "raw"
}
