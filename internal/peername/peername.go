// Package peername names connect destinations from what processes were told
// to connect to.
//
// A traced connect only carries an address such as 10.0.0.5:5432. Most
// programs receive their endpoints through environment variables
// (DATABASE_URL, REDIS_HOST) or arguments (--host, URLs). The resolver scans
// those strings for hostnames and IPv4 literals, resolves each hostname once
// and keeps a reverse map from address to the names that produced it.
//
// This misses dynamic discovery but catches the endpoints a process was
// configured with.
package peername

import (
	"context"
	"net"
	"net/netip"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mrzor/branch-tracer/internal/procmeta"
)

// LookupFunc resolves a hostname to addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// DefaultLookup uses the system resolver.
func DefaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

var (
	hostnameRe = regexp.MustCompile(`(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}`)
	ipv4Re     = regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
)

// Resolver is safe for concurrent use. Hostname resolution happens outside
// the lock.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration

	mu        sync.Mutex
	names     map[netip.Addr][]string
	processed map[string]bool
	seen      map[uint32]bool
}

// New creates a resolver. A nil lookup uses DefaultLookup; timeout bounds
// each hostname resolution.
func New(lookup LookupFunc, timeout time.Duration) *Resolver {
	if lookup == nil {
		lookup = DefaultLookup
	}
	return &Resolver{
		lookup:    lookup,
		timeout:   timeout,
		names:     make(map[netip.Addr][]string),
		processed: make(map[string]bool),
		seen:      make(map[uint32]bool),
	}
}

// IngestProcess scans a process's environment values and arguments. Each
// thread group is scanned once.
func (r *Resolver) IngestProcess(ctx context.Context, md *procmeta.ProcessMetadata) {
	if md == nil {
		return
	}
	r.mu.Lock()
	if r.seen[md.Tgid] {
		r.mu.Unlock()
		return
	}
	r.seen[md.Tgid] = true
	r.mu.Unlock()

	values := make([]string, 0, len(md.Environ)+len(md.Args))
	for _, v := range md.Environ {
		values = append(values, v)
	}
	values = append(values, md.Args...)
	r.Ingest(ctx, values...)
}

// Ingest scans strings for endpoints.
func (r *Resolver) Ingest(ctx context.Context, values ...string) {
	var hosts []string

	r.mu.Lock()
	for _, s := range values {
		for _, m := range ipv4Re.FindAllString(s, -1) {
			if addr, err := netip.ParseAddr(m); err == nil {
				r.addLocked(addr, m)
			}
		}
		for _, m := range hostnameRe.FindAllString(s, -1) {
			h := strings.ToLower(m)
			if r.processed[h] {
				continue
			}
			r.processed[h] = true
			hosts = append(hosts, h)
		}
	}
	r.mu.Unlock()

	for _, h := range hosts {
		r.resolve(ctx, h)
	}
}

func (r *Resolver) resolve(ctx context.Context, host string) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range addrs {
		r.addLocked(a.Unmap(), host)
	}
}

func (r *Resolver) addLocked(addr netip.Addr, name string) {
	if !slices.Contains(r.names[addr], name) {
		r.names[addr] = append(r.names[addr], name)
	}
}

// Lookup returns the names seen for addr, in discovery order.
func (r *Resolver) Lookup(addr netip.Addr) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.names[addr.Unmap()])
}

// Forget drops the scanned mark of a thread group so it is read again.
func (r *Resolver) Forget(tgid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen, tgid)
}
