package connmgr

import (
	"os"
	"path/filepath"
)

var instantClientVersions = []string{
	"21_8", "21_7", "21_6", "21_5", "21_4", "21_3", "21_2", "21_1",
	"19_8", "19_7", "19_6", "19_5", "19_4", "19_3", "19_2", "19_1",
	"18_8", "18_7", "18_6", "18_5", "18_4", "18_3", "18_2", "18_1",
	"12_2", "12_1", "11_2",
}

// DefaultCandidateDirs returns the well-known Instant Client locations for goos,
// in priority order (newest first).
func DefaultCandidateDirs(goos string) []string {
	base := "/opt/oracle"
	if goos == "windows" {
		base = `C:\oracle`
	}
	dirs := make([]string, 0, len(instantClientVersions)+2)
	for _, v := range instantClientVersions {
		if goos == "windows" {
			dirs = append(dirs, base+`\instantclient_`+v)
		} else {
			dirs = append(dirs, base+"/instantclient_"+v)
		}
	}
	if goos != "windows" {
		dirs = append(dirs, "/usr/lib/oracle/21/client64/lib", "/usr/lib/oracle/19/client64/lib")
	}
	return dirs
}

// candidateDirs returns override followed by dirs, deduplicated, keeping only
// directories that exist.
func candidateDirs(override string, dirs []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(d string) {
		if d == "" {
			return
		}
		clean := filepath.Clean(d)
		if seen[clean] {
			return
		}
		seen[clean] = true
		if fi, err := os.Stat(clean); err == nil && fi.IsDir() {
			out = append(out, clean)
		}
	}
	add(override)
	for _, d := range dirs {
		add(d)
	}
	return out
}
