// Package localrecords manages locally-defined DNS records. Records are
// registered into the answer cache as permanent entries; rewriting a record
// invalidates the previous entry first.
package localrecords

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"

	"sinkzone/pkg/cache"
	"sinkzone/pkg/config"
	"sinkzone/pkg/logging"

	"github.com/miekg/dns"
)

// defaultTTL is reported to clients for local records without an explicit TTL.
const defaultTTL = 300

// Record is one locally-defined entry.
type Record struct {
	Domain string
	Type   uint16
	// Addresses holds the A/AAAA values; Target the CNAME target.
	Addresses []netip.Addr
	Target    string
	TTL       uint32
}

// Manager owns the local record set and mirrors it into the cache.
type Manager struct {
	mu      sync.Mutex
	records map[cache.Key]*Record
	cache   *cache.Cache
	logger  *logging.Logger
}

// NewManager creates a manager bound to the answer cache.
func NewManager(c *cache.Cache, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		records: make(map[cache.Key]*Record),
		cache:   c,
		logger:  logger,
	}
}

// LoadConfig parses and registers every configured record.
func (m *Manager) LoadConfig(entries []config.LocalRecord) error {
	for _, e := range entries {
		rec, err := parseRecord(e)
		if err != nil {
			return err
		}
		m.Set(rec)
	}
	if len(entries) > 0 {
		m.logger.Info("Local records registered", "count", len(entries))
	}
	return nil
}

func parseRecord(e config.LocalRecord) (*Record, error) {
	domain := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(e.Domain), "."))
	if domain == "" {
		return nil, fmt.Errorf("local record with empty domain")
	}
	ttl := e.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	rec := &Record{Domain: domain, TTL: ttl}
	switch strings.ToUpper(e.Type) {
	case "A":
		rec.Type = dns.TypeA
	case "AAAA":
		rec.Type = dns.TypeAAAA
	case "CNAME":
		rec.Type = dns.TypeCNAME
	default:
		return nil, fmt.Errorf("local record %q: unsupported type %q", e.Domain, e.Type)
	}

	if rec.Type == dns.TypeCNAME {
		if len(e.Values) != 1 {
			return nil, fmt.Errorf("local record %q: CNAME needs exactly one target", e.Domain)
		}
		rec.Target = strings.ToLower(strings.TrimSuffix(e.Values[0], "."))
		return rec, nil
	}

	for _, v := range e.Values {
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("local record %q: invalid address %q: %w", e.Domain, v, err)
		}
		addr = addr.Unmap()
		if rec.Type == dns.TypeA && !addr.Is4() {
			return nil, fmt.Errorf("local record %q: %q is not an IPv4 address", e.Domain, v)
		}
		if rec.Type == dns.TypeAAAA && addr.Is4() {
			return nil, fmt.Errorf("local record %q: %q is not an IPv6 address", e.Domain, v)
		}
		rec.Addresses = append(rec.Addresses, addr)
	}
	if len(rec.Addresses) == 0 {
		return nil, fmt.Errorf("local record %q has no values", e.Domain)
	}
	return rec, nil
}

// Set registers or rewrites a record. The previous cache entry is removed
// before the permanent insert so readers never see a mix.
func (m *Manager) Set(rec *Record) {
	key := cache.Key{Domain: rec.Domain, Type: rec.Type}

	m.mu.Lock()
	_, existed := m.records[key]
	m.records[key] = rec
	m.mu.Unlock()

	if existed {
		m.cache.Remove(rec.Domain, rec.Type)
	}

	if rec.Type == dns.TypeCNAME {
		m.cache.InsertPermanent(rec.Domain, rec.Type, cache.CanonicalName(rec.Target), rec.TTL)
		return
	}
	m.cache.InsertPermanent(rec.Domain, rec.Type, cache.Addresses(rec.Addresses, nil), rec.TTL)
}

// Remove deletes a record and its cache entry.
func (m *Manager) Remove(domain string, qtype uint16) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	key := cache.Key{Domain: domain, Type: qtype}

	m.mu.Lock()
	_, existed := m.records[key]
	delete(m.records, key)
	m.mu.Unlock()

	if existed {
		m.cache.Remove(domain, qtype)
	}
	return existed
}

// Count returns the number of registered records.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
