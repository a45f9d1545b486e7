package mirror

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// SweepOrphans kills mirroring processes left behind by a previous daemon
// run. A crash while sessions were live leaks processes that keep their
// devices busy; sweeping at startup, before the registry spawns anything,
// restores the one-process-per-device invariant. Returns the number of
// processes killed.
func SweepOrphans(mirrorBinary string) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("listing processes: %w", err)
	}

	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil {
			continue
		}
		if !matchesMirrorBinary(name, mirrorBinary) {
			continue
		}
		if err := p.Kill(); err != nil {
			log.Printf("[mirror] orphan sweep: kill pid %d: %v", p.Pid, err)
			continue
		}
		log.Printf("[mirror] orphan sweep: killed leftover %s (pid %d)", name, p.Pid)
		killed++
	}
	return killed, nil
}

// matchesMirrorBinary reports whether a process name refers to the
// configured mirroring binary, comparing base names so absolute paths and
// Windows ".exe" suffixes still match.
func matchesMirrorBinary(procName, binary string) bool {
	want := strings.TrimSuffix(filepath.Base(binary), ".exe")
	got := strings.TrimSuffix(filepath.Base(procName), ".exe")
	return want != "" && want != "." && strings.EqualFold(got, want)
}
