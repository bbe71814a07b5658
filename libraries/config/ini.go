package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// applyINI reads key = value lines from path. Keys before the first
// [section] header address top-level fields; keys after it address fields
// of the struct tagged with that section name.
func applyINI(path string, fields []field, strict bool) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	lookup := make(map[string]*field, len(fields))
	for i := range fields {
		f := &fields[i]
		lookup[f.section+"/"+f.name] = f
		for _, a := range f.aliases {
			lookup[f.section+"/"+a] = f
		}
	}

	section := ""
	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		f, ok := lookup[section+"/"+key]
		if !ok {
			f, ok = lookup[section+"/"+toKebabCase(key)]
		}
		if !ok {
			if strict {
				return fmt.Errorf("unknown configuration key at line %d: %s", lineNum, key)
			}
			continue
		}
		if err := setValue(f.value, value); err != nil {
			return fmt.Errorf("error parsing '%s' at line %d: %w", key, lineNum, err)
		}
	}
	return scanner.Err()
}

func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "on", "1":
		return true
	}
	return false
}

// ParseSize parses a plain integer or a byte size with a KB, MB, GB or TB
// suffix (powers of 1024).
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)
	mult := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{
		{"TB", 1 << 40}, {"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1},
	} {
		if strings.HasSuffix(upper, u.suffix) {
			mult = u.mult
			s = strings.TrimSpace(s[:len(s)-len(u.suffix)])
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
