package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
	"gopkg.in/yaml.v3"
)

const (
	Dir      = ".pbm"
	fileName = "manifest.yaml"
)

func GetSystemInfo() SystemInfo {
	info := SystemInfo{OS: runtime.GOOS, Platform: "unknown", Kernel: "unknown"}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}
	if h, err := host.Info(); err == nil {
		info.Platform = h.Platform + " " + h.PlatformVersion
		info.Kernel = h.KernelVersion
	}
	return info
}

// Path is the latest-run manifest of a destination.
func Path(destination string) string {
	return filepath.Join(destination, Dir, fileName)
}

// RunPath is the manifest of a specific run.
func RunPath(destination, historyID string) string {
	return filepath.Join(destination, Dir, "runs", historyID+".yaml")
}

// Write stores m as the destination's latest manifest and under its run id.
func Write(destination string, m *Run) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	for _, path := range []string{RunPath(destination, m.HistoryID), Path(destination)} {
		if err := writeAtomic(path, data); err != nil {
			return fmt.Errorf("failed to write manifest: %w", err)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Read(filename string) (*Run, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var m Run
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadLatest reads the latest manifest of destination.
func ReadLatest(destination string) (*Run, error) {
	return Read(Path(destination))
}

// ReadRun reads the manifest of a given run, falling back to the latest
// manifest when it matches.
func ReadRun(destination, historyID string) (*Run, error) {
	m, err := Read(RunPath(destination, historyID))
	if err == nil {
		return m, nil
	}
	latest, lerr := ReadLatest(destination)
	if lerr == nil && latest.HistoryID == historyID {
		return latest, nil
	}
	return nil, err
}
