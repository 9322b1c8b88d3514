// Command pmapctl drives the PMAP bootstrap sequence against a simulated
// physical arena and prints the layout name, the root table's physical
// address and the PFA's free-frame count, a small
// standalone entry point in the style of biscuit's src/kernel/chentry.go
// (a single-purpose tool wrapping one piece of kernel machinery for
// inspection outside the kernel build itself).
package main

import (
	"flag"
	"fmt"
	"os"

	"pmapos/internal/archlayout"
	"pmapos/internal/bootstrap"
	"pmapos/internal/klog"
	"pmapos/internal/mem"

	"github.com/sirupsen/logrus"
)

func main() {
	var (
		frames  = flag.Int("frames", 4096, "number of simulated physical frames to reserve")
		levels  = flag.String("levels", "4", "radix tree levels to model: 2, 3, or 4")
		verbose = flag.Bool("v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		klog.SetLevel(logrus.DebugLevel)
	}

	var layout archlayout.Layout
	switch *levels {
	case "2":
		layout = archlayout.TwoLevel()
	case "3":
		layout = archlayout.ThreeLevel()
	case "4":
		layout = archlayout.FourLevel()
	default:
		fmt.Fprintf(os.Stderr, "pmapctl: unsupported -levels %q\n", *levels)
		os.Exit(1)
	}

	cfg := bootstrap.Config{
		Layout:      layout,
		ArenaFrames: *frames,
		Regions: []bootstrap.Region{
			{Name: "kernel-image", VA: 0, PA: 0, Pages: 16, MFlags: mem.MKernel | mem.MZero, PFlags: mem.RW},
		},
	}

	res, err := bootstrap.Run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pmapctl: bootstrap failed: %v\n", err)
		os.Exit(1)
	}
	defer res.Arena.Close()

	fmt.Printf("layout: %s\n", layout.Name())
	fmt.Printf("root table: %#x\n", uint64(res.Pmap.RootAddr()))
	fmt.Printf("free frames: %d\n", res.Alloc.PFA.(interface{ FreeCount() uint64 }).FreeCount())
}
