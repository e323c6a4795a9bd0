// Probe reads host- and process-level memory figures. Every read that fails
// returns zeros for that subsystem rather than an error (spec §4.1); a
// sustained zero VRAM total is the signal that no GPU is present.

package resource

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// MemoryReader is the memory-probe capability the monitor depends on.
// *Probe is the production implementation; tests substitute a fake.
type MemoryReader interface {
	ReadRAM() RAMInfo
	ReadProcess() ProcessInfo
	ReadVRAM(ctx context.Context) VRAMInfo
}

// Probe samples host and process memory. It is stateless and safe for
// concurrent use; every method independently reads the underlying source.
type Probe struct {
	nvidiaSMIPath string
	nvidiaTimeout time.Duration
}

var _ MemoryReader = (*Probe)(nil)

// NewProbe creates a Probe. nvidiaSMIPath may be empty, in which case
// "nvidia-smi" is looked up on PATH.
func NewProbe(nvidiaSMIPath string) *Probe {
	if nvidiaSMIPath == "" {
		nvidiaSMIPath = "nvidia-smi"
	}
	return &Probe{nvidiaSMIPath: nvidiaSMIPath, nvidiaTimeout: 2 * time.Second}
}

// RAMInfo is the host-level RAM/swap figures from Sysinfo.
type RAMInfo struct {
	TotalMB, AvailableMB     float64
	SwapUsedMB, SwapTotalMB  float64
}

// ReadRAM reads host RAM/swap totals via the Sysinfo syscall. On failure it
// returns the zero value; the caller treats this as "unknown, not armed".
func (p *Probe) ReadRAM() RAMInfo {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return RAMInfo{}
	}
	unit := float64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	const mb = 1024 * 1024
	total := float64(si.Totalram) * unit / mb
	free := float64(si.Freeram) * unit / mb
	swapTotal := float64(si.Totalswap) * unit / mb
	swapFree := float64(si.Freeswap) * unit / mb
	return RAMInfo{
		TotalMB:      total,
		AvailableMB:  free,
		SwapUsedMB:   swapTotal - swapFree,
		SwapTotalMB:  swapTotal,
	}
}

// ProcessInfo is this process's own RSS and swapped-page usage.
type ProcessInfo struct {
	RSSMB, SwappedMB float64
}

// ReadProcess reads /proc/self/status for VmRSS and VmSwap. Missing or
// unparsable fields are reported as zero.
func (p *Probe) ReadProcess() ProcessInfo {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return ProcessInfo{}
	}
	var info ProcessInfo
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			info.RSSMB = parseProcKB(line)
		case strings.HasPrefix(line, "VmSwap:"):
			info.SwappedMB = parseProcKB(line)
		}
	}
	return info
}

func parseProcKB(line string) float64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return 0
	}
	return kb / 1024
}

// VRAMInfo is the global (not allocator-local) GPU memory figures.
type VRAMInfo struct {
	UsedMB, FreeMB, TotalMB float64
}

// ReadVRAM shells out to nvidia-smi for global used/free/total VRAM. If the
// binary is missing, times out, or exits non-zero, it returns the zero
// value — treated as "no GPU present" per spec §4.1.
func (p *Probe) ReadVRAM(ctx context.Context) VRAMInfo {
	ctx, cancel := context.WithTimeout(ctx, p.nvidiaTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.nvidiaSMIPath,
		"--query-gpu=memory.used,memory.free,memory.total",
		"--format=csv,noheader,nounits")
	out, err := cmd.Output()
	if err != nil {
		return VRAMInfo{}
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	parts := strings.Split(line, ",")
	if len(parts) != 3 {
		return VRAMInfo{}
	}
	used, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	free, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	total, err3 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return VRAMInfo{}
	}
	return VRAMInfo{UsedMB: used, FreeMB: free, TotalMB: total}
}
