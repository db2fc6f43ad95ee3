// Package audit buffers audit events and relays them to a Sink on a
// background goroutine.
//
// The Dispatcher either drops events when its buffer is full (counting
// them) or blocks the caller until there is room or the context ends.
// Deciding which events to emit is left to the engine.
package audit
