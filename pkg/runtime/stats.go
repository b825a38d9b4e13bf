package runtime

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	cgroupstats "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/typeurl/v2"
	"github.com/forgebay/runnerd/pkg/types"
)

// rawSample is one cgroup snapshot, the inputs to the CPU% delta
// formula spec.md §4.6 requires.
type rawSample struct {
	cpuUsageNanos    uint64
	systemUsageNanos uint64
	onlineCPUs       int
	memUsageBytes    uint64
	memLimitBytes    uint64
	netRxBytes       uint64
	netTxBytes       uint64
	blockReadBytes   uint64
	blockWriteBytes  uint64
	pids             uint64
}

// readRaw fetches the container's current cgroup metrics from
// containerd. A decode failure degrades to a zeroed sample rather
// than aborting the monitoring loop for every other container.
func (r *Runtime) readRaw(ctx context.Context, containerID string) (rawSample, time.Duration, error) {
	start := time.Now()
	ctx = r.ctx(ctx)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return rawSample{}, time.Since(start), err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return rawSample{}, time.Since(start), err
	}

	metric, err := task.Metrics(ctx)
	if err != nil {
		return rawSample{}, time.Since(start), err
	}
	elapsed := time.Since(start)

	data, err := typeurl.UnmarshalAny(metric.Data)
	if err != nil {
		return rawSample{}, elapsed, nil
	}

	m, ok := data.(*cgroupstats.Metrics)
	if !ok || m.CPU == nil || m.Memory == nil {
		return rawSample{}, elapsed, nil
	}

	sample := rawSample{}
	if m.CPU.Usage != nil {
		sample.cpuUsageNanos = m.CPU.Usage.Total
		sample.onlineCPUs = len(m.CPU.Usage.PerCPU)
	}
	if m.Memory.Usage != nil {
		sample.memUsageBytes = m.Memory.Usage.Usage
		sample.memLimitBytes = m.Memory.Usage.Limit
	}
	if m.Pids != nil {
		sample.pids = m.Pids.Current
	}
	for _, n := range m.Network {
		sample.netRxBytes += n.RxBytes
		sample.netTxBytes += n.TxBytes
	}
	if m.Blkio != nil {
		for _, e := range m.Blkio.IoServiceBytesRecursive {
			switch e.Op {
			case "Read":
				sample.blockReadBytes += e.Value
			case "Write":
				sample.blockWriteBytes += e.Value
			}
		}
	}
	if sample.onlineCPUs == 0 {
		sample.onlineCPUs = 1
	}
	return sample, elapsed, nil
}

// readSystemCPUUsage sums /proc/stat's aggregate "cpu" line, the
// host-wide jiffy counter used as the denominator of the CPU% delta
// formula (the same technique docker stats uses).
func readSystemCPUUsage() uint64 {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0
	}
	fields := strings.Fields(scanner.Text())
	var total uint64
	for _, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			continue
		}
		total += v
	}
	return total * uint64(time.Second/time.Nanosecond) / 100 // jiffies (10ms) to ns
}

// deriveCPUPercent implements spec.md §4.6's CPU% formula: undefined
// (reported as 0) on the first read for a container.
func deriveCPUPercent(prev, cur rawSample, prevSystemTotal, curSystemTotal uint64, hasPrev bool) float64 {
	if !hasPrev || curSystemTotal <= prevSystemTotal {
		return 0
	}
	cpuDelta := float64(cur.cpuUsageNanos) - float64(prev.cpuUsageNanos)
	systemDelta := float64(curSystemTotal) - float64(prevSystemTotal)
	if cpuDelta < 0 || systemDelta <= 0 {
		return 0
	}
	return (cpuDelta / systemDelta) * float64(cur.onlineCPUs) * 100
}

func deriveMemoryPercent(cur rawSample) float64 {
	if cur.memLimitBytes == 0 {
		return 0
	}
	return float64(cur.memUsageBytes) / float64(cur.memLimitBytes) * 100
}

// toStatsSample converts a raw cgroup sample plus its derived CPU% into
// the public StatsSample the monitoring loop stores.
func toStatsSample(cur rawSample, cpuPercent float64, statCallTime time.Duration) types.StatsSample {
	return types.StatsSample{
		Timestamp:       time.Now(),
		CPUPercent:      cpuPercent,
		MemoryBytes:     int64(cur.memUsageBytes),
		MemoryPercent:   deriveMemoryPercent(cur),
		NetRxBytes:      int64(cur.netRxBytes),
		NetTxBytes:      int64(cur.netTxBytes),
		BlockReadBytes:  int64(cur.blockReadBytes),
		BlockWriteBytes: int64(cur.blockWriteBytes),
		PIDs:            int64(cur.pids),
		StatCallTime:    statCallTime,
	}
}
