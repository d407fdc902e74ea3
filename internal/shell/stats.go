package shell

import (
	"math"
	"strconv"
	"strings"

	"github.com/openmoba/broker/internal/model"
)

// StatsCommand samples host load in one round trip. The output between the
// markers is four fixed lines: cpu percent, "total used" RAM in MB, disk use
// of /, and uptime.
const StatsCommand = `echo STATS_START; ` +
	`grep 'cpu ' /proc/stat | awk '{print ($2+$4)*100/($2+$4+$5)}'; ` +
	`free -m | grep Mem | awk '{print $2 " " $3}'; ` +
	`df -h / | tail -1 | awk '{print $5}'; ` +
	`uptime -p; ` +
	`echo STATS_END`

const (
	statsStart = "STATS_START"
	statsEnd   = "STATS_END"
)

// ParseStats extracts a sample from the output of StatsCommand. ok is false
// when the output does not have the expected shape.
func ParseStats(output string) (stats model.Stats, ok bool) {
	start := strings.Index(output, statsStart)
	if start < 0 {
		return model.Stats{}, false
	}
	body := output[start+len(statsStart):]
	end := strings.Index(body, statsEnd)
	if end < 0 {
		return model.Stats{}, false
	}

	var lines []string
	for _, l := range strings.Split(body[:end], "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 4 {
		return model.Stats{}, false
	}

	cpu, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return model.Stats{}, false
	}
	if math.IsNaN(cpu) || math.IsInf(cpu, 0) {
		cpu = 0
	}

	ram := strings.Fields(lines[1])
	if len(ram) != 2 {
		return model.Stats{}, false
	}
	total, err := strconv.ParseInt(ram[0], 10, 64)
	if err != nil {
		return model.Stats{}, false
	}
	used, err := strconv.ParseInt(ram[1], 10, 64)
	if err != nil {
		return model.Stats{}, false
	}

	return model.Stats{
		CPU:      cpu,
		RAMTotal: total,
		RAMUsed:  used,
		Disk:     lines[2],
		Uptime:   lines[3],
	}, true
}
