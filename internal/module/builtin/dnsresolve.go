// Package builtin ships a handful of modules with no external API-key
// dependency, so the end-to-end scenarios in spec.md §8 are runnable
// against real DNS/TCP without needing OSINT API credentials.
package builtin

import (
	"context"
	"net"
	"time"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// DNSResolveName is the stable module id, named after SpiderFoot's own
// sfp_dnsresolve.
const DNSResolveName = "sfp_dnsresolve"

// DNSResolve resolves DOMAIN_NAME/INTERNET_NAME events to IP_ADDRESS and
// IPV6_ADDRESS events using the stdlib resolver. It is the module
// exercised by the DNS-resolve end-to-end scenario (spec.md §8 scenario
// 1).
type DNSResolve struct {
	fw       spiderevent.Framework
	resolver *net.Resolver
}

// NewDNSResolve constructs a fresh DNSResolve instance for one scan.
func NewDNSResolve() spiderevent.Module {
	return &DNSResolve{resolver: net.DefaultResolver}
}

func (m *DNSResolve) Name() string { return DNSResolveName }

func (m *DNSResolve) Setup(fw spiderevent.Framework, _ map[string]string) error {
	m.fw = fw
	return nil
}

func (m *DNSResolve) WatchedEvents() []string {
	return []string{"DOMAIN_NAME", "INTERNET_NAME"}
}

func (m *DNSResolve) ProducedEvents() []string {
	return []string{"INTERNET_NAME", "IP_ADDRESS", "IPV6_ADDRESS"}
}

func (m *DNSResolve) ThreadSafe() bool { return true }

func (m *DNSResolve) HandleEvent(ctx context.Context, e spiderevent.Event) error {
	if m.fw.IsCancelled() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ips, err := m.resolver.LookupIP(ctx, "ip", e.Data)
	if err != nil {
		m.fw.Log(logLevelWarn, "could not resolve "+e.Data, "module", DNSResolveName, "error", err.Error())
		return nil
	}

	for _, ip := range ips {
		if m.fw.IsCancelled() {
			return nil
		}

		eventType := "IP_ADDRESS"
		if ip.To4() == nil {
			eventType = "IPV6_ADDRESS"
		}

		child := spiderevent.New(eventType, ip.String(), DNSResolveName, e.Hash, nowSeconds())
		if err := m.fw.NotifyListeners(ctx, child); err != nil {
			return err
		}
	}

	return nil
}
