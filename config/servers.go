package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ServerLine is one parsed backend entry. A line holds an address, an
// optional weight and an optional alias:
//
//	10.0.0.1:6379
//	10.0.0.1:6379:2
//	10.0.0.1:6379:2 cache-a
type ServerLine struct {
	Addr   string
	Weight int
	Alias  string
}

// ParseServers parses every configured server line.
func ParseServers(lines []string) ([]ServerLine, error) {
	parsed := make([]ServerLine, 0, len(lines))
	for _, line := range lines {
		sl, err := parseServerLine(line)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, sl)
	}
	return parsed, nil
}

func parseServerLine(line string) (ServerLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || len(fields) > 2 {
		return ServerLine{}, fmt.Errorf("bad server line %q", line)
	}

	sl := ServerLine{Weight: 1}
	if len(fields) == 2 {
		sl.Alias = fields[1]
	}

	parts := strings.Split(fields[0], ":")
	switch len(parts) {
	case 2:
		sl.Addr = fields[0]
	case 3:
		weight, err := strconv.Atoi(parts[2])
		if err != nil || weight < 1 {
			return ServerLine{}, fmt.Errorf("bad weight in server line %q", line)
		}
		sl.Addr = parts[0] + ":" + parts[1]
		sl.Weight = weight
	default:
		return ServerLine{}, fmt.Errorf("bad server line %q", line)
	}

	if _, err := strconv.Atoi(parts[1]); err != nil {
		return ServerLine{}, fmt.Errorf("bad port in server line %q", line)
	}
	return sl, nil
}

// SplitSpots unzips parsed lines into the ring inputs: node names
// (aliases when every line has one, addresses otherwise), weights and
// the alias-to-address mapping.
func SplitSpots(lines []ServerLine) (nodes []string, weights []int, alias map[string]string) {
	aliased := len(lines) > 0
	for _, sl := range lines {
		if sl.Alias == "" {
			aliased = false
			break
		}
	}

	alias = make(map[string]string)
	for _, sl := range lines {
		if aliased {
			nodes = append(nodes, sl.Alias)
			alias[sl.Alias] = sl.Addr
		} else {
			nodes = append(nodes, sl.Addr)
		}
		weights = append(weights, sl.Weight)
	}
	if !aliased {
		alias = map[string]string{}
	}
	return nodes, weights, alias
}
