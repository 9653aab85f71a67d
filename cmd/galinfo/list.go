package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/gogpu/gal"
	"github.com/gogpu/gal/backend"
	"github.com/gogpu/gal/gpucore"
)

// list prints every registered backend with its adapters. Backends that
// fail to initialize are listed with the error.
func list(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BACKEND\tADAPTER\tTYPE\tFAMILIES\tMAX BUFFER\tMAX IMAGE 2D\tPUSH CONSTANTS")
	for _, name := range backend.Available() {
		b, err := backend.Get(name)
		if err != nil {
			fmt.Fprintf(tw, "%s\t(%v)\n", name, err)
			continue
		}
		inst, err := b.CreateInstance(&gpucore.InstanceDesc{Label: "galinfo"})
		if err != nil {
			fmt.Fprintf(tw, "%s\t(%v)\n", name, err)
			continue
		}
		adapters := inst.Adapters()
		if len(adapters) == 0 {
			fmt.Fprintf(tw, "%s\t(no adapters)\n", name)
		}
		for _, a := range adapters {
			info, lim := a.Info(), a.Limits()
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				name, info.Name, info.Type, families(a.QueueFamilies()),
				lim.MaxBufferSize, lim.MaxImageDimension2D, lim.MaxPushConstantSize)
		}
		inst.Destroy()
	}
	return tw.Flush()
}

func families(fams []gpucore.QueueFamily) string {
	parts := make([]string, len(fams))
	for i, f := range fams {
		parts[i] = fmt.Sprintf("%d:%s×%d", f.ID, caps(f.Caps), f.Count)
	}
	return strings.Join(parts, " ")
}

func caps(c gpucore.QueueCaps) string {
	var s strings.Builder
	for _, f := range []struct {
		bit gpucore.QueueCaps
		ch  byte
	}{
		{gpucore.QueueGraphics, 'G'},
		{gpucore.QueueCompute, 'C'},
		{gpucore.QueueTransfer, 'T'},
		{gpucore.QueuePresent, 'P'},
	} {
		if c.Has(f.bit) {
			s.WriteByte(f.ch)
		}
	}
	return s.String()
}

func printStats(w io.Writer, s gal.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "submissions\t%d\n", s.Submissions)
	fmt.Fprintf(tw, "command buffers\t%d\n", s.SubmittedCommandBuffers)
	fmt.Fprintf(tw, "fence waits\t%d (%d timed out)\n", s.FenceWaits, s.FenceTimeouts)
	fmt.Fprintf(tw, "pending\t%d command buffers, %d semaphores\n", s.PendingCommandBuffers, s.PendingSemaphores)
	fmt.Fprintf(tw, "queues taken\t%d\n", s.QueuesTaken)
	for _, k := range slices.Sorted(maps.Keys(s.Live)) {
		if n := s.Live[k]; n > 0 {
			fmt.Fprintf(tw, "live %s\t%d\n", k, n)
		}
	}
	_ = tw.Flush()
}
