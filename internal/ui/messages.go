// Package ui provides the Bubble Tea display host for swipefeed.
package ui

import "github.com/abelbrown/swipefeed/internal/prefetch"

// ItemsLoaded is sent when the initial batch is in the window.
type ItemsLoaded struct {
	Total int
	Err   error
}

// WindowExtended is sent after the window grew.
type WindowExtended struct {
	Added int
	Total int
}

// PositionChanged is sent when the coordinator accepted a new viewport
// position and scheduled prefetches around it.
type PositionChanged struct {
	Index  int
	Issued int // fetches newly issued for this position
}

// PrefetchReported is sent once per finished fetch.
type PrefetchReported struct {
	Result prefetch.Result
}
