// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hwsim/mmu"
	"github.com/hwsim/mmu/cmd/internal/spinner"
	"github.com/hwsim/mmu/simulation/toolbox"

	"golang.org/x/exp/mmap"
)

var printFlag *bool = flag.Bool("print", false, "print events as they're seen")

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that sanity-checks translation traces\n")
		fmt.Fprintf(flag.CommandLine.Output(), "and prints some statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <translation-trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func handleError(err error, usage bool) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if usage {
		flag.Usage()
	}
	os.Exit(1)
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		handleError(errors.New("incorrect number of arguments"), true)
	}
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		handleError(fmt.Errorf("mapping trace: %v", err), false)
	}
	defer r.Close()
	fmt.Println("Generating parser...")
	p, err := mmu.NewParser(r)
	if err != nil {
		handleError(fmt.Errorf("creating parser: %v", err), false)
	}
	fmt.Println("Parsing events...")

	var pMu sync.Mutex
	spinner.Start("Processing... %.4f%%", func() float64 {
		pMu.Lock()
		prog := p.Progress()
		pMu.Unlock()
		return prog
	})

	const maxErrors = 20
	tables, maps, unmaps, queries := 0, 0, 0, 0
	remaps, noopUnmaps, misses := 0, 0, 0
	shadow := make(map[uint32]*toolbox.TranslationSet)
	var unknownTable []mmu.Event
	var doubleCreate []mmu.Event
	minTicks := ^uint64(0)
loop:
	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			handleError(fmt.Errorf("parsing events: %v", err), false)
		}
		if minTicks == ^uint64(0) {
			minTicks = ev.Timestamp
		}
		set := shadow[ev.Table]
		if set == nil && ev.Kind != mmu.EventNewTable {
			unknownTable = append(unknownTable, ev)
			if len(unknownTable)+len(doubleCreate) > maxErrors {
				break loop
			}
			continue
		}
		switch ev.Kind {
		case mmu.EventNewTable:
			if *printFlag {
				fmt.Printf("[%d] new table %d\n", ev.Timestamp-minTicks, ev.Table)
			}
			if set != nil {
				doubleCreate = append(doubleCreate, ev)
				if len(unknownTable)+len(doubleCreate) > maxErrors {
					break loop
				}
				continue
			}
			shadow[ev.Table] = new(toolbox.TranslationSet)
			tables++
		case mmu.EventMap:
			if *printFlag {
				fmt.Printf("[%d] table %d: map 0x%x -> 0x%x\n", ev.Timestamp-minTicks, ev.Table, ev.VirtPage, ev.PhysPage)
			}
			if ok := set.Add(ev.VirtPage); !ok {
				// Last write wins; an overwrite is defined
				// behavior, worth counting but not an error.
				remaps++
			}
			maps++
		case mmu.EventUnmap:
			if *printFlag {
				fmt.Printf("[%d] table %d: unmap 0x%x\n", ev.Timestamp-minTicks, ev.Table, ev.VirtPage)
			}
			if ok := set.Remove(ev.VirtPage); !ok {
				// Removing an absent translation is a
				// defined no-op.
				noopUnmaps++
			}
			unmaps++
		case mmu.EventQuery:
			if *printFlag {
				fmt.Printf("[%d] table %d: query 0x%x\n", ev.Timestamp-minTicks, ev.Table, ev.VirtPage)
			}
			if !set.Contains(ev.VirtPage) {
				misses++
			}
			queries++
		}
	}
	spinner.Stop()

	if errcount := len(unknownTable) + len(doubleCreate); errcount != 0 {
		tooMany := errcount > maxErrors
		if tooMany {
			errcount = maxErrors
			fmt.Fprintf(os.Stderr, "found >%d errors in trace:\n", maxErrors)
		} else {
			fmt.Fprintf(os.Stderr, "found %d errors in trace:\n", errcount)
		}
		for i := 0; i < errcount; i++ {
			ts1, ts2 := ^uint64(0), ^uint64(0)
			if len(unknownTable) != 0 {
				ts1 = unknownTable[0].Timestamp
			}
			if len(doubleCreate) != 0 {
				ts2 = doubleCreate[0].Timestamp
			}
			if ts1 < ts2 {
				e := unknownTable[0]
				fmt.Fprintf(os.Stderr, "  event in table %d before its creation\n", e.Table)
				unknownTable = unknownTable[1:]
			} else {
				e := doubleCreate[0]
				fmt.Fprintf(os.Stderr, "  table %d created twice\n", e.Table)
				doubleCreate = doubleCreate[1:]
			}
		}
		if tooMany {
			fmt.Fprintf(os.Stderr, "too many errors\n")
		}
	}
	fmt.Printf("Tables:  %d\n", tables)
	fmt.Printf("Maps:    %d (%d remaps)\n", maps, remaps)
	fmt.Printf("Unmaps:  %d (%d no-ops)\n", unmaps, noopUnmaps)
	fmt.Printf("Queries: %d (%d misses)\n", queries, misses)
}
