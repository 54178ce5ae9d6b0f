// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmu

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"runtime"

	"golang.org/x/sync/errgroup"
)

const batchSize = 32 << 10

// Parser contains the translation trace parsing state.
type Parser struct {
	src          Source
	index        []batchOffset
	batch        batchReader
	pending      Event
	havePending  bool
	totalBatches uint64
}

// Source is a translation trace source.
type Source interface {
	io.ReaderAt

	// Len returns the size of the translation
	// trace in bytes.
	Len() int
}

type batchOffset struct {
	startTicks uint64
	fileOffset int64
}

func (b batchOffset) headerSize() uint64 {
	return 2 + uint64(varintLen(b.startTicks))
}

// Trace opcodes. A trace is a fixed-size header followed by a whole
// number of fixed-size batches. Each batch opens with a batch start
// opcode and a sync event carrying the batch's base tick; events
// inside the batch carry tick deltas against that base.
const (
	ttEvBad uint8 = iota
	ttEvBatchStart
	ttEvBatchEnd
	ttEvSync
	ttEvNewTable
	ttEvMap
	ttEvUnmap
	ttEvQuery
)

func varintLen(x uint64) int {
	n := (bits.Len64(x) + 6) / 7
	if n == 0 {
		return 1
	}
	return n
}

func parseVarint(buf []byte) (int, uint64, error) {
	result := uint64(0)
	shift := uint(0)
	i := 0
loop:
	if i >= len(buf) {
		return 0, 0, fmt.Errorf("not enough bytes left to decode varint")
	}
	result |= uint64(buf[i]&0x7f) << shift
	if buf[i]&(1<<7) == 0 {
		return i + 1, result, nil
	}
	shift += 7
	i++
	if shift >= 64 {
		return 0, 0, fmt.Errorf("varint too long")
	}
	goto loop
}

func parseBatchHeader(buf []byte) (uint64, error) {
	idx := 0
	if buf[idx] != ttEvBatchStart {
		return 0, fmt.Errorf("expected batch start event")
	}
	idx++

	if buf[idx] != ttEvSync {
		return 0, fmt.Errorf("expected sync event")
	}
	idx++

	_, ticks, err := parseVarint(buf[idx:])
	if err != nil {
		return 0, err
	}
	return ticks, nil
}

const headerSize = 4

const supportedVersion uint16 = uint16(1) << 8

func parseHeader(r Source) (uint16, error) {
	var header [headerSize]byte
	n, err := r.ReadAt(header[:], 0)
	if n != headerSize || err != nil {
		return 0, err
	}
	if header[0] != 'M' || header[1] != 'T' {
		return 0, fmt.Errorf("bad magic")
	}
	version := uint16(header[2])<<8 | uint16(header[3])
	return version, nil
}

// NewParser creates and initializes a new Parser given a Source.
//
// Initialization scans every batch header to build an index, which
// for large traces is spread across CPUs.
//
// NewParser may fail if initialization, which involves parsing part
// of the trace, fails.
func NewParser(r Source) (*Parser, error) {
	// Check some basic properties, like the size and the header.
	if r.Len()%batchSize != headerSize {
		return nil, fmt.Errorf("bad format: file must be a multiple of %d bytes", batchSize)
	}
	version, err := parseHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %v", err)
	}
	if version != supportedVersion {
		return nil, fmt.Errorf("unsupported version")
	}

	// Figure out how to break up the initialization phase.
	shards := runtime.GOMAXPROCS(-1)
	numBatches := (r.Len() - headerSize) / batchSize
	if shards > numBatches {
		shards = 1
	}
	batchesPerShard := (numBatches + shards - 1) / shards

	// Build up a per-shard index. The trace is a single ordered
	// stream, so the full index is just the shards concatenated
	// in file order.
	perShardIndex := make([][]batchOffset, shards)
	var eg errgroup.Group
	for i := 0; i < shards; i++ {
		i := i
		eg.Go(func() error {
			const bufSize = 16
			var buf [bufSize]byte

			// Generate the index for this shard.
			start := int64(batchesPerShard * i)
			end := int64(batchesPerShard * (i + 1))
			if end > int64(numBatches) {
				end = int64(numBatches)
			}
			index := make([]batchOffset, 0, end-start)
			for idx := start*batchSize + headerSize; idx < end*batchSize+headerSize; idx += batchSize {
				n, err := r.ReadAt(buf[:], idx)
				if n < bufSize {
					return err
				}
				ticks, err := parseBatchHeader(buf[:])
				if err != nil {
					return err
				}
				index = append(index, batchOffset{
					startTicks: ticks,
					fileOffset: idx,
				})
			}
			perShardIndex[i] = index
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	index := make([]batchOffset, 0, numBatches)
	for i := range perShardIndex {
		index = append(index, perShardIndex[i]...)
	}

	p := &Parser{
		src:          r,
		index:        index,
		totalBatches: uint64(numBatches),
	}
	if err := p.advance(); err != nil {
		return nil, fmt.Errorf("initializing parser: %v", err)
	}
	return p, nil
}

var streamEnd = errors.New("stream end")

type batchReader struct {
	next     Event
	syncTick uint64
	readBuf  []byte
	batchBuf [batchSize]byte
}

func (b *batchReader) nextEvent() error {
	if len(b.readBuf) == 0 {
		return streamEnd
	}
	b.next = Event{}
	size := 1
	evKind := b.readBuf[0]
	switch evKind {
	case ttEvBatchEnd:
		return streamEnd
	case ttEvBatchStart:
		return fmt.Errorf("unexpected header found")
	case ttEvSync:
		n, ticks, err := parseVarint(b.readBuf[size:])
		if err != nil {
			return fmt.Errorf("parsing sync event timestamp: %v", err)
		}
		size += n
		b.syncTick = ticks
		b.readBuf = b.readBuf[size:]
		return b.nextEvent()
	case ttEvNewTable, ttEvMap, ttEvUnmap, ttEvQuery:
		// Common prefix: tick delta, then table id.
		n, tickDelta, err := parseVarint(b.readBuf[size:])
		if err != nil {
			return fmt.Errorf("parsing tick delta: %v", err)
		}
		size += n

		n, table, err := parseVarint(b.readBuf[size:])
		if err != nil {
			return fmt.Errorf("parsing table id: %v", err)
		}
		size += n

		b.next.Timestamp = b.syncTick + tickDelta
		b.next.Table = uint32(table)

		switch evKind {
		case ttEvNewTable:
			b.next.Kind = EventNewTable
		case ttEvMap:
			b.next.Kind = EventMap

			n, vpn, err := parseVarint(b.readBuf[size:])
			if err != nil {
				return fmt.Errorf("parsing virtual page for map: %v", err)
			}
			size += n

			n, ppn, err := parseVarint(b.readBuf[size:])
			if err != nil {
				return fmt.Errorf("parsing physical page for map: %v", err)
			}
			size += n

			b.next.VirtPage = vpn
			b.next.PhysPage = ppn
		case ttEvUnmap, ttEvQuery:
			if evKind == ttEvUnmap {
				b.next.Kind = EventUnmap
			} else {
				b.next.Kind = EventQuery
			}

			n, vpn, err := parseVarint(b.readBuf[size:])
			if err != nil {
				return fmt.Errorf("parsing virtual page: %v", err)
			}
			size += n

			b.next.VirtPage = vpn
		}
	default:
		return fmt.Errorf("unknown event type %d", evKind)
	}
	b.readBuf = b.readBuf[size:]
	return nil
}

// advance parses the next event into p.pending, refilling the batch
// buffer from the index as batches run out.
func (p *Parser) advance() error {
	for {
		err := p.batch.nextEvent()
		if err == nil {
			p.pending = p.batch.next
			p.havePending = true
			return nil
		}
		if err != streamEnd {
			return err
		}
		// We've run out of things to parse in this batch. Refill.
		if len(p.index) == 0 {
			p.havePending = false
			return nil
		}
		bo := p.index[0]
		p.index = p.index[1:]

		n, err := p.src.ReadAt(p.batch.batchBuf[:], bo.fileOffset)
		if n != len(p.batch.batchBuf) {
			return err
		}

		// Skip the header; its sync tick was captured in the index.
		p.batch.readBuf = p.batch.batchBuf[bo.headerSize():]
		p.batch.syncTick = bo.startTicks
	}
}

// Progress returns a float64 value between 0 and 1 indicating the
// approximate progress of parsing through the file.
func (p *Parser) Progress() float64 {
	left := uint64(len(p.index))
	return float64(p.totalBatches-left) / float64(p.totalBatches)
}

// Next returns the next event in the trace, or an error
// if the parser failed to parse the next event out of the trace.
// It returns io.EOF once the trace is exhausted.
func (p *Parser) Next() (Event, error) {
	if !p.havePending {
		return Event{}, io.EOF
	}
	ev := p.pending
	if err := p.advance(); err != nil {
		return Event{}, err
	}
	return ev, nil
}
