//go:build !windows

package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// pidAlive returns true if a process with given pid exists (or EPERM) and
// is not a zombie waiting to be reaped.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err != nil && !errors.Is(err, syscall.EPERM) {
		return false
	}
	if p, err := gopsproc.NewProcess(int32(pid)); err == nil {
		if st, err := p.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
			return false
		}
	}
	return true
}

// processStart is the start time of pid in Unix seconds, 0 when unknown.
// Linux reads the boot-relative tick count from /proc; elsewhere gopsutil
// reports it in milliseconds.
func processStart(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if ticks, ok := statStartTicks(pid); ok {
		if boot, err := host.BootTime(); err == nil && boot > 0 {
			return int64(boot) + ticks/clockTicks()
		}
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// statStartTicks is field 22 of /proc/<pid>/stat. The command name may
// contain spaces, so fields are counted from its closing paren.
func statStartTicks(pid int) (int64, bool) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, false
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0, false
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0, false
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	return ticks, err == nil && ticks > 0
}

func clockTicks() int64 {
	if clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK); err == nil && clk > 0 {
		return clk
	}
	return 100
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// pidFile is the parsed content: the pid on the first line and optional
// JSON metadata on a later line.
type pidFile struct {
	pid       int
	startUnix int64
}

func parsePIDFile(path string) (pidFile, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return pidFile{}, fmt.Errorf("%s: %w", path, ErrNoPIDFile)
		}
		return pidFile{}, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return pidFile{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return pidFile{}, fmt.Errorf("invalid pid %d in %s", pid, path)
	}
	out := pidFile{pid: pid}
	for _, ln := range lines[1:] {
		var m pidMeta
		if err := json.Unmarshal([]byte(strings.TrimSpace(ln)), &m); err == nil && m.StartUnix > 0 {
			out.startUnix = m.StartUnix
			break
		}
	}
	return out, nil
}

// ReadPIDFile returns the pid recorded in path.
func ReadPIDFile(path string) (int, error) {
	pf, err := parsePIDFile(path)
	return pf.pid, err
}

// WritePIDFile records pid and its start time so a reused pid is not
// mistaken for the original process.
func WritePIDFile(path string, pid int) error {
	var b strings.Builder
	b.WriteString(strconv.Itoa(pid))
	b.WriteByte('\n')
	if start := processStart(pid); start > 0 {
		mb, _ := json.Marshal(pidMeta{StartUnix: start})
		b.Write(mb)
		b.WriteByte('\n')
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

// Alive is false without error when the pid file is absent.
func (d PIDFileDetector) Alive() (bool, error) {
	pf, err := parsePIDFile(d.PIDFile)
	if err != nil {
		if errors.Is(err, ErrNoPIDFile) {
			return false, nil
		}
		return false, err
	}
	if pf.reused() {
		return false, nil
	}
	return pidAlive(pf.pid), nil
}

// reused reports whether the pid now belongs to a process started at a
// different time than the one recorded. Files without a start time, or
// platforms that cannot report one, are never considered reused.
func (pf pidFile) reused() bool {
	if pf.startUnix <= 0 {
		return false
	}
	cur := processStart(pf.pid)
	return cur > 0 && cur != pf.startUnix
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
