package pool

import (
	"fmt"
	"os"
	"time"
)

// Callers only ever see the coarse error codes, so the stage-by-stage detail
// of a failing establishment shows up nowhere else. TRACE=1 prints it to
// stderr.
var (
	traceOn    = os.Getenv("TRACE") == "1"
	traceEpoch = time.Now()
)

func tracef(format string, args ...any) {
	if !traceOn {
		return
	}
	fmt.Fprintf(os.Stderr, "pool +%.3fs "+format+"\n",
		append([]any{time.Since(traceEpoch).Seconds()}, args...)...)
}
