package agent

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DetectHardware probes CPU and memory for worker registration
func DetectHardware() (threads int, model string, ramBytes uint64) {
	if count, err := cpu.Counts(true); err == nil {
		threads = count
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		model = infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		ramBytes = vm.Total
	}
	return threads, model, ramBytes
}

// ProbeRuntimes reports which of the given runtime commands are installed,
// mapped to the first line of their --version output. Jobs whose pipeline
// declares a language the worker lacks will fail in the install phase, so
// this is advisory only.
func ProbeRuntimes(commands []string) map[string]string {
	runtimes := make(map[string]string)
	for _, command := range commands {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		out, err := exec.CommandContext(ctx, command, "--version").CombinedOutput()
		cancel()
		if err != nil {
			continue
		}
		version := strings.TrimSpace(string(out))
		if idx := strings.IndexByte(version, '\n'); idx >= 0 {
			version = version[:idx]
		}
		runtimes[command] = version
	}
	return runtimes
}
