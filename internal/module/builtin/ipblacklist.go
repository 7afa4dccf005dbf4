package builtin

import (
	"context"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// IPBlacklistName is the stable module id.
const IPBlacklistName = "sfp_ipblacklist"

// staticBlacklist is a small in-memory set standing in for a real
// reputation feed, enough to exercise the correlation engine's
// MALICIOUS_IPADDR/BLACKLIST_IPADDR rules (spec.md §8 scenario 3) without
// an external API key.
var staticBlacklist = map[string]struct{}{
	"1.2.3.4":     {},
	"185.220.101.1": {},
}

// IPBlacklist flags IP_ADDRESS events found in the static blacklist by
// emitting a MALICIOUS_IPADDR child event.
type IPBlacklist struct {
	fw spiderevent.Framework
}

// NewIPBlacklist constructs a fresh IPBlacklist instance for one scan.
func NewIPBlacklist() spiderevent.Module {
	return &IPBlacklist{}
}

func (m *IPBlacklist) Name() string { return IPBlacklistName }

func (m *IPBlacklist) Setup(fw spiderevent.Framework, _ map[string]string) error {
	m.fw = fw
	return nil
}

func (m *IPBlacklist) WatchedEvents() []string {
	return []string{"IP_ADDRESS"}
}

func (m *IPBlacklist) ProducedEvents() []string {
	return []string{"MALICIOUS_IPADDR"}
}

func (m *IPBlacklist) ThreadSafe() bool { return true }

func (m *IPBlacklist) HandleEvent(ctx context.Context, e spiderevent.Event) error {
	if _, blacklisted := staticBlacklist[e.Data]; !blacklisted {
		return nil
	}

	child := spiderevent.New("MALICIOUS_IPADDR", e.Data, IPBlacklistName, e.Hash, nowSeconds())

	return m.fw.NotifyListeners(ctx, child)
}
