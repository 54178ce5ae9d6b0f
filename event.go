// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

// EventKind indicates what kind of translation trace event
// is captured and returned.
type EventKind uint8

const (
	EventBad      EventKind = iota
	EventNewTable           // Creation of a new page table root.
	EventMap                // Translation insert.
	EventUnmap              // Translation removal.
	EventQuery              // Translation lookup.
)

// Event represents a single translation trace event.
type Event struct {
	// Timestamp is the time in non-normalized CPU ticks
	// for this event.
	Timestamp uint64

	// Table identifies the page table (address space) the event
	// applies to. Table ids are assigned by EventNewTable events
	// and are valid for all kinds.
	Table uint32

	// VirtPage is the virtual page number for the operation.
	// Only valid when Kind == EventMap, Kind == EventUnmap,
	// Kind == EventQuery.
	VirtPage uint64

	// PhysPage is the physical page number being installed.
	// Only valid when Kind == EventMap.
	PhysPage uint64

	// Kind indicates what kind of event this is.
	// This may be assumed to always be valid.
	Kind EventKind
}
