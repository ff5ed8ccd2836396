package discovery

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// candidate is one enumerated listening socket that may be an agent server.
type candidate struct {
	port int
	pid  int
}

// execCommandFunc is a seam for tests to stub out process enumeration.
var execCommandFunc = func(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	return string(out), err
}

// procNetTCPPaths points at the kernel socket tables used for the Linux
// fallback when lsof is unavailable.
var procNetTCPPaths = []string{"/proc/net/tcp", "/proc/net/tcp6"}

// enumerateCandidates lists host-visible TCP listeners belonging to the agent
// process family (macOS/Linux, via lsof). Ports outside [portMin, portMax]
// and processes outside processNames are skipped. On Linux, when lsof is
// missing or fails, /proc/net/tcp is scanned instead; candidates found that
// way carry pid 0 since the socket table does not name the owning process.
func enumerateCandidates(processNames []string, portMin, portMax int) ([]candidate, error) {
	out, err := execCommandFunc("lsof", "-nP", "-iTCP", "-sTCP:LISTEN")
	if err != nil {
		if runtime.GOOS == "linux" {
			return enumerateProcNet(portMin, portMax)
		}
		return nil, err
	}
	return parseLsofListeners(out, processNames, portMin, portMax), nil
}

// enumerateProcNet scans the kernel TCP socket tables for LISTEN sockets in
// the candidate port range. Process-name filtering is not possible here, so
// every in-range listener becomes a probe candidate. The prober weeds out
// non-agent listeners.
func enumerateProcNet(portMin, portMax int) ([]candidate, error) {
	seen := make(map[int]struct{})
	var found []candidate
	var lastErr error
	for _, path := range procNetTCPPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		for _, port := range parseProcNetListeners(string(data)) {
			if port < portMin || port > portMax {
				continue
			}
			if _, dup := seen[port]; dup {
				continue
			}
			seen[port] = struct{}{}
			found = append(found, candidate{port: port})
		}
	}
	if found == nil && lastErr != nil {
		return nil, lastErr
	}
	return found, nil
}

// parseProcNetListeners extracts local ports of sockets in state 0A (LISTEN)
// from /proc/net/tcp-format text. local_address is hexip:hexport.
func parseProcNetListeners(data string) []int {
	var ports []int
	for i, line := range strings.Split(data, "\n") {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 || fields[3] != "0A" {
			continue
		}
		idx := strings.LastIndex(fields[1], ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.ParseInt(fields[1][idx+1:], 16, 32)
		if err != nil {
			continue
		}
		ports = append(ports, int(port))
	}
	return ports
}

// parseLsofListeners parses `lsof -nP -iTCP -sTCP:LISTEN` output. Expected
// columns: COMMAND PID USER FD TYPE DEVICE SIZE/OFF NODE NAME, where NAME is
// host:port for a listener.
func parseLsofListeners(out string, processNames []string, portMin, portMax int) []candidate {
	nameSet := make(map[string]struct{}, len(processNames))
	for _, n := range processNames {
		nameSet[strings.ToLower(n)] = struct{}{}
	}

	seen := make(map[int]struct{})
	var found []candidate
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		command := strings.ToLower(fields[0])
		if _, ok := nameSet[command]; !ok {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		name := fields[len(fields)-2]
		if strings.EqualFold(fields[len(fields)-1], "(LISTEN)") {
			name = fields[len(fields)-2]
		} else {
			name = fields[len(fields)-1]
		}
		idx := strings.LastIndex(name, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(name[idx+1:])
		if err != nil {
			continue
		}
		if port < portMin || port > portMax {
			continue
		}
		if _, dup := seen[port]; dup {
			continue
		}
		seen[port] = struct{}{}
		found = append(found, candidate{port: port, pid: pid})
	}
	return found
}
