// Package shard implements the optional shard-key router (spec §4.7): a
// read-only, sorted range table loaded from a text file, rebuilt
// wholesale on SIGHUP and swapped in atomically so in-flight
// lookups never observe a half-built table.
package shard

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/cubrid/gobroker/internal/brokererr"
)

// Range is one contiguous [Min, Max] bucket mapping to a shard id.
type Range struct {
	Min, Max int64
	ShardID  int32
}

// keyTable is one shard key's sorted, disjoint range list.
type keyTable struct {
	name   string
	ranges []Range // sorted by Min
}

// Table is the immutable shard-key table of spec §3, keyed by lowercased
// key_column_name for case-insensitive lookup (spec §4.7 step 1).
type Table struct {
	modulo int64
	keys   map[string]keyTable
}

// Router holds the current Table behind an atomic pointer so a SIGHUP
// rebuild (Reload) never blocks or races with concurrent Route calls.
type Router struct {
	modulo int64
	cur    atomic.Pointer[Table]
}

// NewRouter loads path and returns a ready Router. modulo is the
// default hash modulus (spec §4.7 step 2); an empty path yields a
// Router with no shard keys, under which every Route call fails with
// ROUTE_NO_KEY.
func NewRouter(path string, modulo int64) (*Router, error) {
	r := &Router{modulo: modulo}
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-parses path and atomically swaps in the new table.
func (r *Router) Reload(path string) error {
	if path == "" {
		t := &Table{modulo: r.modulo, keys: map[string]keyTable{}}
		r.cur.Store(t)
		return nil
	}
	t, err := load(path, r.modulo)
	if err != nil {
		return err
	}
	r.cur.Store(t)
	return nil
}

// Route maps (keyName, value) to a shard id per spec §4.7. value may be
// an int64 or a string; any other type is an ARG error.
func (r *Router) Route(keyName string, value any) (int32, error) {
	t := r.cur.Load()
	kt, ok := t.keys[strings.ToLower(keyName)]
	if !ok {
		return 0, brokererr.New(brokererr.CodeRouteNoKey, "no shard key %q", keyName)
	}

	hash, err := hashValue(value, t.modulo)
	if err != nil {
		return 0, err
	}

	i := sort.Search(len(kt.ranges), func(i int) bool { return kt.ranges[i].Max >= hash })
	if i < len(kt.ranges) && kt.ranges[i].Min <= hash && hash <= kt.ranges[i].Max {
		return kt.ranges[i].ShardID, nil
	}
	return 0, brokererr.New(brokererr.CodeRouteNoRange, "hash %d out of range for key %q", hash, keyName)
}

// hashValue computes the deterministic, allocation-free hash of spec
// §4.7 step 2: integers hash by `value mod modulo`; strings hash by
// `first_byte mod modulo`.
func hashValue(value any, modulo int64) (int64, error) {
	if modulo <= 0 {
		return 0, brokererr.New(brokererr.CodeInternal, "shard modulo must be positive, got %d", modulo)
	}
	switch v := value.(type) {
	case int64:
		return ((v % modulo) + modulo) % modulo, nil
	case int:
		return hashValue(int64(v), modulo)
	case string:
		if v == "" {
			return 0, brokererr.New(brokererr.CodeARG, "cannot hash empty shard key value")
		}
		return int64(v[0]) % modulo, nil
	default:
		return 0, brokererr.New(brokererr.CodeARG, "unsupported shard key value type %T", value)
	}
}

// load parses the INI-ish shard-key file of spec §6.
func load(path string, modulo int64) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, brokererr.New(brokererr.CodeInternal, "shard: open %s: %v", path, err)
	}
	defer f.Close()

	keys := map[string]keyTable{}
	var section string
	lineNo := 0

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if section == "" {
				return nil, brokererr.New(brokererr.CodeInternal, "shard: %s:%d: empty section name", path, lineNo)
			}
			if _, exists := keys[section]; !exists {
				keys[section] = keyTable{name: section}
			}
			continue
		}
		if section == "" {
			return nil, brokererr.New(brokererr.CodeInternal, "shard: %s:%d: range outside any [section]", path, lineNo)
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, brokererr.New(brokererr.CodeInternal, "shard: %s:%d: expected \"min max shard_id\"", path, lineNo)
		}
		rng, err := parseRange(fields)
		if err != nil {
			return nil, brokererr.New(brokererr.CodeInternal, "shard: %s:%d: %v", path, lineNo, err)
		}

		kt := keys[section]
		for _, existing := range kt.ranges {
			if rangesOverlap(existing, rng) {
				return nil, brokererr.New(brokererr.CodeInternal,
					"shard: %s:%d: range [%d,%d] overlaps existing [%d,%d]",
					path, lineNo, rng.Min, rng.Max, existing.Min, existing.Max)
			}
		}
		kt.ranges = append(kt.ranges, rng)
		keys[section] = kt
	}
	if err := scanner.Err(); err != nil {
		return nil, brokererr.New(brokererr.CodeInternal, "shard: read %s: %v", path, err)
	}

	for name, kt := range keys {
		sort.Slice(kt.ranges, func(i, j int) bool { return kt.ranges[i].Min < kt.ranges[j].Min })
		keys[name] = kt
	}
	return &Table{modulo: modulo, keys: keys}, nil
}

func parseRange(fields []string) (Range, error) {
	minV, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("bad min %q: %w", fields[0], err)
	}
	maxV, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("bad max %q: %w", fields[1], err)
	}
	if maxV < minV {
		return Range{}, fmt.Errorf("max %d < min %d", maxV, minV)
	}
	shardID, err := strconv.ParseInt(fields[2], 10, 32)
	if err != nil {
		return Range{}, fmt.Errorf("bad shard_id %q: %w", fields[2], err)
	}
	return Range{Min: minV, Max: maxV, ShardID: int32(shardID)}, nil
}

func rangesOverlap(a, b Range) bool {
	return a.Min <= b.Max && b.Min <= a.Max
}
