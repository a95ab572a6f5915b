package remote

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"cointracer/internal/core"
)

// SeedFile is the default taxonomy file looked up under the seed directory.
const SeedFile = "seed_categories.txt"

// LoadSeed reads dir/seed_categories.txt. Blank lines and lines starting
// with '#' are skipped. A missing file yields no names.
func LoadSeed(dir string) []string {
	if dir == "" {
		return nil
	}
	f, err := os.Open(filepath.Join(dir, SeedFile))
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return UniqueNames(out)
}

// UniqueNames drops blanks and case-insensitive repeats, preserving order.
func UniqueNames(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = core.NormalizeName(v)
		if v == "" {
			continue
		}
		k := core.NameKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	return out
}
