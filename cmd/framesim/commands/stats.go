package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/SmarterEye/libsmartereye2-sub000/modules/telemetry"
)

// reportStats prints a snapshot every interval until ctx is done.
func reportStats(ctx context.Context, interval time.Duration, collect func() telemetry.Snapshot, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			printStats(out, collect())
		}
	}
}

func printStats(out io.Writer, snap telemetry.Snapshot) {
	uptime := time.Duration(snap.UptimeSeconds * float64(time.Second))

	fmt.Fprintln(out)
	fmt.Fprintln(out, "╭─────────────────────────────────────────────────────────────────╮")
	fmt.Fprintf(out, "│ Pipeline Statistics (Uptime: %v, %s)\n", uptime.Round(time.Second), snap.Status())
	fmt.Fprintln(out, "├─────────────────────────────────────────────────────────────────┤")

	fmt.Fprintln(out, "│ Devices:")
	for _, d := range snap.Devices {
		fmt.Fprintf(out, "│   %-16s %8d frames  %3d resyncs  %3d watchdog misses\n",
			d.Name, d.Frames, d.Resyncs, d.WatchdogFailures)
	}

	fmt.Fprintln(out, "│ Streams:")
	for _, s := range snap.Streams {
		stable := "stable"
		if !s.IsStable {
			stable = "UNSTABLE"
		}
		fmt.Fprintf(out, "│   %-24s %6.2f fps (declared %.0f)  jitter %5.2f ms  %s\n",
			s.Name, s.FPSMean, s.DeclaredFPS, s.JitterMean, stable)
	}

	st := snap.Sync
	fmt.Fprintln(out, "│ Synchronization:")
	fmt.Fprintf(out, "│   Received:           %8d frames\n", st.Received)
	fmt.Fprintf(out, "│   Matched:            %8d sets\n", st.Matched)
	fmt.Fprintf(out, "│   Pending:            %8d frames\n", st.Pending)
	fmt.Fprintf(out, "│   Sets completed:     %8d\n", st.SetsCompleted)
	fmt.Fprintf(out, "│   Sets dropped:       %8d\n", st.SetsDropped+st.MatchesDropped)

	var refused, heap uint64
	for _, a := range snap.Archives {
		refused += a.Refused
		heap += a.HeapFrames
	}
	fmt.Fprintln(out, "│ Frame pools:")
	fmt.Fprintf(out, "│   Refused (backpressure): %6d\n", refused)
	fmt.Fprintf(out, "│   Heap fallbacks:         %6d\n", heap)
	fmt.Fprintln(out, "╰─────────────────────────────────────────────────────────────────╯")
}
