package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/hwsim/mmu"
	"github.com/hwsim/mmu/simulation/toolbox"
)

var outFile string
var configFile string
var opsFlag uint64
var tablesFlag uint
var seedFlag int64

// workload describes the synthetic translation workload to generate.
// Field defaults come from flags; a TOML config file overrides them
// wholesale.
type workload struct {
	Ops    uint64   `toml:"ops"`
	Tables uint32   `toml:"tables"`
	Seed   int64    `toml:"seed"`
	Mix    mix      `toml:"mix"`
	Hot    locality `toml:"locality"`
}

// mix is the fraction of operations of each kind. The fractions must
// sum to 1.
type mix struct {
	Map   float64 `toml:"map"`
	Unmap float64 `toml:"unmap"`
	Query float64 `toml:"query"`
}

// locality directs a fraction of operations at a small dense set of
// virtual pages, so generated tables exercise shared interior paths
// rather than degenerating into uniformly sparse trees.
type locality struct {
	Fraction float64 `toml:"fraction"`
	Pages    uint64  `toml:"pages"`
}

var defaultWorkload = workload{
	Ops:    1000000,
	Tables: 1,
	Seed:   42,
	Mix:    mix{Map: 0.5, Unmap: 0.2, Query: 0.3},
	Hot:    locality{Fraction: 0.8, Pages: 4096},
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(flag.CommandLine.Output(), "Utility that generates a synthetic translation trace\n")
		fmt.Fprintf(flag.CommandLine.Output(), "from a workload description.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.StringVar(&outFile, "o", "./out.trace", "output file for the trace")
	flag.StringVar(&configFile, "config", "", "TOML workload description; overrides the workload flags")
	flag.Uint64Var(&opsFlag, "ops", defaultWorkload.Ops, "number of operations to generate")
	flag.UintVar(&tablesFlag, "tables", uint(defaultWorkload.Tables), "number of page tables to spread operations across")
	flag.Int64Var(&seedFlag, "seed", defaultWorkload.Seed, "seed for the workload's randomness")
}

func loadWorkload() (workload, error) {
	w := defaultWorkload
	w.Ops = opsFlag
	w.Tables = uint32(tablesFlag)
	w.Seed = seedFlag
	if configFile != "" {
		if _, err := toml.DecodeFile(configFile, &w); err != nil {
			return w, fmt.Errorf("reading workload config: %v", err)
		}
	}
	if w.Tables == 0 {
		return w, errors.New("workload needs at least one table")
	}
	if sum := w.Mix.Map + w.Mix.Unmap + w.Mix.Query; sum < 0.999 || sum > 1.001 {
		return w, fmt.Errorf("operation mix sums to %v, want 1", sum)
	}
	if w.Hot.Fraction < 0 || w.Hot.Fraction > 1 {
		return w, errors.New("locality fraction must be in [0, 1]")
	}
	return w, nil
}

const vpnMask = uint64(1)<<toolbox.VirtPageBits - 1

func run() error {
	w, err := loadWorkload()
	if err != nil {
		return err
	}
	f, err := os.Create(outFile)
	if err != nil {
		return fmt.Errorf("creating trace file: %v", err)
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	tw, err := mmu.NewWriter(bw)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(w.Seed))
	ticks := uint64(0)
	tick := func() uint64 {
		ticks += uint64(rng.Intn(1000)) + 1
		return ticks
	}
	pickVPN := func() uint64 {
		if w.Hot.Pages != 0 && rng.Float64() < w.Hot.Fraction {
			return uint64(rng.Int63n(int64(w.Hot.Pages)))
		}
		return rng.Uint64() & vpnMask
	}

	// Announce every table up front; mapped tracks live
	// translations per table so unmaps and queries mostly hit
	// real state.
	mapped := make([][]uint64, w.Tables)
	for t := uint32(0); t < w.Tables; t++ {
		ev := mmu.Event{Timestamp: tick(), Table: t, Kind: mmu.EventNewTable}
		if err := tw.Emit(ev); err != nil {
			return err
		}
	}
	for i := uint64(0); i < w.Ops; i++ {
		t := uint32(rng.Intn(int(w.Tables)))
		ev := mmu.Event{Timestamp: tick(), Table: t}
		switch r := rng.Float64(); {
		case r < w.Mix.Map:
			ev.Kind = mmu.EventMap
			ev.VirtPage = pickVPN()
			ev.PhysPage = rng.Uint64() & vpnMask
			mapped[t] = append(mapped[t], ev.VirtPage)
		case r < w.Mix.Map+w.Mix.Unmap:
			ev.Kind = mmu.EventUnmap
			if n := len(mapped[t]); n != 0 && rng.Intn(4) != 0 {
				j := rng.Intn(n)
				ev.VirtPage = mapped[t][j]
				mapped[t][j] = mapped[t][n-1]
				mapped[t] = mapped[t][:n-1]
			} else {
				ev.VirtPage = pickVPN()
			}
		default:
			ev.Kind = mmu.EventQuery
			if n := len(mapped[t]); n != 0 && rng.Intn(4) != 0 {
				ev.VirtPage = mapped[t][rng.Intn(n)]
			} else {
				ev.VirtPage = pickVPN()
			}
		}
		if err := tw.Emit(ev); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing trace file: %v", err)
	}
	fmt.Printf("Wrote %d operations across %d tables to %s\n", w.Ops, w.Tables, outFile)
	return nil
}

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
