package registry

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// persistenceVersion is bumped whenever the line format changes.
const persistenceVersion = 1

// Save writes one line per record in a compact, human-diffable text format:
//
//	v1 addr=0x02 type=Power version=1.3.0 status=Online
//
// Chosen over JSON because the registry snapshot is small, append-friendly,
// and meant to be read with a line-oriented text tool when debugging a
// machine over a serial console.
func Save(w io.Writer, records []Record) error {
	bw := bufio.NewWriter(w)
	for _, rec := range records {
		version := rec.Version
		if version == "" {
			version = "-"
		}
		if _, err := fmt.Fprintf(bw, "v%d addr=0x%02X type=%s version=%s status=%s\n",
			persistenceVersion, rec.Address, rec.Type, version, rec.Status); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Load parses the format Save writes. Every loaded record starts Offline
// regardless of its saved status: persistence remembers identity, not
// liveness, and liveness must be re-earned by a fresh scan.
func Load(r io.Reader) ([]DiscoveryInfo, error) {
	scanner := bufio.NewScanner(r)
	var out []DiscoveryInfo
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		info, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("registry: persistence line %d: %w", lineNo, err)
		}
		out = append(out, info)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLine(line string) (DiscoveryInfo, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "v") {
		return DiscoveryInfo{}, fmt.Errorf("missing version tag")
	}

	kv := map[string]string{}
	for _, f := range fields[1:] {
		parts := strings.SplitN(f, "=", 2)
		if len(parts) != 2 {
			return DiscoveryInfo{}, fmt.Errorf("malformed field %q", f)
		}
		kv[parts[0]] = parts[1]
	}

	addrStr, ok := kv["addr"]
	if !ok {
		return DiscoveryInfo{}, fmt.Errorf("missing addr field")
	}
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 8)
	if err != nil {
		return DiscoveryInfo{}, fmt.Errorf("bad addr %q: %w", addrStr, err)
	}

	mtype, err := ParseModuleType(kv["type"])
	if err != nil {
		return DiscoveryInfo{}, err
	}

	version := kv["version"]
	if version == "-" {
		version = ""
	}

	return DiscoveryInfo{Address: uint8(addr), Type: mtype, Version: version}, nil
}

// LoadInto parses r and registers every record into reg, each starting
// Offline (RegisterOffline), so a cold-start operator view matches what a
// scan will confirm moments later rather than claiming liveness it hasn't
// observed.
func LoadInto(r io.Reader, reg *Registry, now time.Time) error {
	infos, err := Load(r)
	if err != nil {
		return err
	}
	for _, info := range infos {
		reg.RegisterOffline(info, now)
	}
	return nil
}
