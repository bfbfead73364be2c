package bot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var errBadDuration = errors.New("bad duration")

// ParseWindow reads a chart window: "6h", "30m" or a plain number of hours.
func ParseWindow(arg string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(arg))
	unit := time.Hour
	switch {
	case strings.HasSuffix(s, "h"):
		s = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		unit = time.Minute
	}
	if s == "" {
		s = "0"
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %q", errBadDuration, arg)
	}
	return time.Duration(v * float64(unit)), nil
}

type monitorArgs struct {
	address   string
	threshold decimal.Decimal
	chain     string
}

// parseMonitorArgs reads "<address> [threshold] [chain]". An unparsable
// threshold falls back to the default.
func parseMonitorArgs(args []string, defaultThreshold decimal.Decimal) (monitorArgs, bool) {
	if len(args) == 0 {
		return monitorArgs{}, false
	}
	out := monitorArgs{address: args[0], threshold: defaultThreshold}
	if len(args) >= 2 {
		if th, err := decimal.NewFromString(strings.TrimSuffix(args[1], "%")); err == nil {
			out.threshold = th
		}
	}
	if len(args) >= 3 {
		out.chain = args[2]
	}
	return out, true
}

type chartArgs struct {
	address string
	window  time.Duration
	chain   string
}

// parseChartArgs reads "<address> [window] [chain]"; window and chain may be
// swapped.
func parseChartArgs(args []string, defaultWindow time.Duration) (chartArgs, bool) {
	if len(args) == 0 {
		return chartArgs{}, false
	}
	out := chartArgs{address: args[0], window: defaultWindow}
	if len(args) < 2 {
		return out, true
	}
	if w, err := ParseWindow(args[1]); err == nil {
		out.window = w
		if len(args) >= 3 {
			out.chain = args[2]
		}
		return out, true
	}
	out.chain = args[1]
	if len(args) >= 3 {
		if w, err := ParseWindow(args[2]); err == nil {
			out.window = w
		}
	}
	return out, true
}
