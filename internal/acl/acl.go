// Package acl loads and evaluates the broker's per-user CIDR allow list
// (spec §3, §4.4): a flat file mapping a CUBRID user name to the set of
// client networks permitted to connect as that user.
package acl

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/cubrid/gobroker/internal/brokererr"
)

// Entry is one user's allow list.
type Entry struct {
	User         string
	AllowedCIDRs []*net.IPNet
}

// List is an immutable, atomically-swappable snapshot of the ACL file.
// A nil or empty List permits every connection, matching a broker run
// without an acl_file configured.
type List struct {
	byUser map[string][]*net.IPNet
}

// Table holds the current List behind a mutex so Reload (triggered by
// SIGHUP in cmd/broker) can swap it without the acceptor ever observing
// a half-built table.
type Table struct {
	mu  sync.RWMutex
	cur *List
}

// NewTable loads path once and returns a ready Table. An empty path
// yields a Table that allows everyone.
func NewTable(path string) (*Table, error) {
	t := &Table{}
	if path == "" {
		t.cur = &List{byUser: map[string][]*net.IPNet{}}
		return t, nil
	}
	list, err := load(path)
	if err != nil {
		return nil, err
	}
	t.cur = list
	return t, nil
}

// Reload re-reads path and swaps it in atomically. Existing callers of
// Allowed keep seeing the prior list until this returns.
func (t *Table) Reload(path string) error {
	if path == "" {
		t.mu.Lock()
		t.cur = &List{byUser: map[string][]*net.IPNet{}}
		t.mu.Unlock()
		return nil
	}
	list, err := load(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.cur = list
	t.mu.Unlock()
	return nil
}

// Allowed reports whether addr may connect as user. A user absent from
// the table is denied; an empty table (no acl_file configured) allows
// everyone.
func (t *Table) Allowed(user string, addr net.IP) bool {
	t.mu.RLock()
	list := t.cur
	t.mu.RUnlock()
	return list.Allowed(user, addr)
}

func (l *List) Allowed(user string, addr net.IP) bool {
	if len(l.byUser) == 0 {
		return true
	}
	nets, ok := l.byUser[user]
	if !ok {
		return false
	}
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// Check is a convenience wrapper returning brokererr.CodeACLDenied.
func (t *Table) Check(user string, addr net.IP) error {
	if t.Allowed(user, addr) {
		return nil
	}
	return brokererr.New(brokererr.CodeACLDenied, "user %q not permitted from %s", user, addr)
}

// load parses the ACL file: one user per line, `user cidr[,cidr...]`.
// Blank lines and lines starting with # are skipped.
func load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, brokererr.New(brokererr.CodeInternal, "acl: open %s: %v", path, err)
	}
	defer f.Close()

	byUser := map[string][]*net.IPNet{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, brokererr.New(brokererr.CodeInternal, "acl: %s:%d: expected \"user cidr[,cidr]\"", path, lineNo)
		}
		user := fields[0]
		var nets []*net.IPNet
		for _, raw := range strings.Split(fields[1], ",") {
			n, err := parseCIDROrIP(raw)
			if err != nil {
				return nil, brokererr.New(brokererr.CodeInternal, "acl: %s:%d: %v", path, lineNo, err)
			}
			nets = append(nets, n)
		}
		byUser[user] = append(byUser[user], nets...)
	}
	if err := scanner.Err(); err != nil {
		return nil, brokererr.New(brokererr.CodeInternal, "acl: read %s: %v", path, err)
	}
	return &List{byUser: byUser}, nil
}

// parseCIDROrIP accepts either a CIDR ("10.0.0.0/8") or a bare address
// ("10.0.0.1"), treating the latter as a /32 (or /128) host route.
func parseCIDROrIP(raw string) (*net.IPNet, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("bad CIDR %q: %w", raw, err)
		}
		return n, nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return nil, fmt.Errorf("bad address %q", raw)
	}
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
