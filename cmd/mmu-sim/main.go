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
	"github.com/hwsim/mmu/simulation"
	"github.com/hwsim/mmu/simulation/toolbox"
	"github.com/hwsim/mmu/simulation/toolbox/frame"
	"github.com/hwsim/mmu/simulation/toolbox/pagetable"

	"golang.org/x/exp/mmap"
)

var period uint64
var outFile string
var implFile string

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that replays a translation trace against a\n")
		fmt.Fprintf(flag.CommandLine.Output(), "simulated MMU and generates a CSV of memory statistics.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <translation-trace-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&outFile, "o", "./out.csv", "output file for the simulation data")
	flag.StringVar(&implFile, "oimpl", "./out-impl.csv", "output file for implementation-specific simulation data")
	flag.Uint64Var(&period, "period", 2000000000, "the period in CPU ticks to capture stats")
}

func run() error {
	if flag.NArg() != 1 {
		return errors.New("incorrect number of arguments")
	}
	r, err := mmap.Open(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to map trace: %v", err)
	}
	defer r.Close()
	fmt.Println("Generating parser...")
	p, err := mmu.NewParser(r)
	if err != nil {
		return fmt.Errorf("creating parser: %v", err)
	}

	out, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating simulation data file: %v", err)
	}
	defer out.Close()

	outImpl, err := os.Create(implFile)
	if err != nil {
		return fmt.Errorf("creating impl-specific simulation data file: %v", err)
	}
	defer outImpl.Close()

	mem := frame.NewStore()
	machine := toolbox.NewMachine(mem, pagetable.NewWalker(mem))

	stats := simulation.NewStats()
	machine.RegisterStats(stats)

	fmt.Fprintln(out, "Timestamp,Tables,Frames,FrameBytes,Maps,Unmaps,Queries,Misses")
	fmt.Fprintf(outImpl, "Timestamp")
	for _, name := range stats.OtherStats() {
		fmt.Fprintf(outImpl, ",%s", name)
	}
	fmt.Fprintln(outImpl)

	var pMu sync.Mutex
	spinner.Start("Processing... %.4f%%", func() float64 {
		pMu.Lock()
		prog := p.Progress()
		pMu.Unlock()
		return prog
	})
	defer spinner.Stop()

	var ts uint64
	for {
		pMu.Lock()
		ev, err := p.Next()
		pMu.Unlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("parsing events: %v", err)
		}
		if err := machine.Process(ev, stats); err != nil {
			return fmt.Errorf("replaying trace: %v", err)
		}
		diff := stats.Timestamp - ts
		if diff > period {
			// Generate standard stats line.
			fmt.Fprintf(out, "%d,%d,%d,%d,%d,%d,%d,%d\n", stats.Timestamp, stats.Tables, stats.Frames, stats.FrameBytes, stats.Maps, stats.Unmaps, stats.Queries, stats.Misses)
			out.Sync()

			// Generate impl-specific stats line.
			fmt.Fprintf(outImpl, "%d", stats.Timestamp)
			for _, name := range stats.OtherStats() {
				fmt.Fprintf(outImpl, ",%d", stats.GetOther(name))
			}
			fmt.Fprintln(outImpl)
			outImpl.Sync()

			ts = stats.Timestamp
		}
	}
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
