package device

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prober enumerates the device identifiers currently visible to the host.
// Implementations are called from the watcher's poll loop only and do not
// need to be safe for concurrent use.
type Prober interface {
	Enumerate() ([]string, error)
}

// AdbProber lists devices through the adb CLI. Each call spawns
// `adb devices` and parses its output; there is no subscription API, which
// is why the watcher polls.
type AdbProber struct {
	// Path is the adb binary, resolved via $PATH when relative.
	Path string
}

func (p *AdbProber) Enumerate() ([]string, error) {
	path := p.Path
	if path == "" {
		path = "adb"
	}
	out, err := exec.Command(path, "devices").Output()
	if err != nil {
		return nil, fmt.Errorf("adb devices: %w", err)
	}
	return parseDeviceList(string(out)), nil
}

// parseDeviceList extracts serials from `adb devices` output. The first
// line is the "List of devices attached" header; each subsequent line is
// "<serial>\t<status>". Only devices in the ready "device" status count;
// "offline", "unauthorized" and "recovery" entries are skipped, as are the
// "* daemon not running ..." startup notices adb sometimes prefixes.
func parseDeviceList(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			ids = append(ids, fields[0])
		}
	}
	return ids
}
