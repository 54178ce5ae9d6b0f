// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxEventSize bounds the encoded size of one event: an opcode and up
// to four varints.
const maxEventSize = 1 + 4*binary.MaxVarintLen64

// Writer emits a translation trace in the format understood by
// Parser: a 4-byte header followed by fixed-size batches of
// varint-encoded events.
//
// Events must be emitted in non-decreasing timestamp order. Close
// must be called to flush the final batch.
type Writer struct {
	w        io.Writer
	buf      [batchSize]byte
	n        int
	syncTick uint64
	lastTick uint64
}

// NewWriter creates a Writer emitting a trace to w, and writes the
// trace header immediately.
func NewWriter(w io.Writer) (*Writer, error) {
	header := [headerSize]byte{'M', 'T', uint8(supportedVersion >> 8), uint8(supportedVersion & 0xff)}
	if _, err := w.Write(header[:]); err != nil {
		return nil, fmt.Errorf("writing trace header: %v", err)
	}
	return &Writer{w: w}, nil
}

// openBatch starts a new batch whose sync tick is tick.
func (w *Writer) openBatch(tick uint64) {
	w.buf[0] = ttEvBatchStart
	w.buf[1] = ttEvSync
	w.n = 2 + binary.PutUvarint(w.buf[2:], tick)
	w.syncTick = tick
}

// flushBatch terminates the current batch, pads it to the fixed batch
// size and writes it out.
func (w *Writer) flushBatch() error {
	if w.n == 0 {
		return nil
	}
	w.buf[w.n] = ttEvBatchEnd
	for i := w.n + 1; i < batchSize; i++ {
		w.buf[i] = 0
	}
	w.n = 0
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return fmt.Errorf("writing batch: %v", err)
	}
	return nil
}

// Emit appends one event to the trace.
func (w *Writer) Emit(ev Event) error {
	var op uint8
	switch ev.Kind {
	case EventNewTable:
		op = ttEvNewTable
	case EventMap:
		op = ttEvMap
	case EventUnmap:
		op = ttEvUnmap
	case EventQuery:
		op = ttEvQuery
	default:
		return fmt.Errorf("cannot emit event of kind %d", ev.Kind)
	}
	if ev.Timestamp < w.lastTick {
		return fmt.Errorf("event timestamps must be non-decreasing")
	}
	w.lastTick = ev.Timestamp

	// Leave room for the batch end opcode.
	if w.n == 0 || w.n+maxEventSize+1 > batchSize {
		if err := w.flushBatch(); err != nil {
			return err
		}
		w.openBatch(ev.Timestamp)
	}
	w.buf[w.n] = op
	w.n++
	w.n += binary.PutUvarint(w.buf[w.n:], ev.Timestamp-w.syncTick)
	w.n += binary.PutUvarint(w.buf[w.n:], uint64(ev.Table))
	switch ev.Kind {
	case EventMap:
		w.n += binary.PutUvarint(w.buf[w.n:], ev.VirtPage)
		w.n += binary.PutUvarint(w.buf[w.n:], ev.PhysPage)
	case EventUnmap, EventQuery:
		w.n += binary.PutUvarint(w.buf[w.n:], ev.VirtPage)
	}
	return nil
}

// Close flushes any buffered events. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	return w.flushBatch()
}
