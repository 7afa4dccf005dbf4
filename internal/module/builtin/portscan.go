package builtin

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/correlator-io/correlator/internal/spiderevent"
)

// PortScanName is the stable module id.
const PortScanName = "sfp_portscan_tcp"

// commonPorts is the small, fixed port list the scan checks — deliberately
// short so the invasive scan stays bounded and fast in tests.
var commonPorts = []int{22, 80, 443}

const portScanConcurrency = 8

// PortScan performs a bounded-concurrency TCP connect scan against
// IP_ADDRESS/IPV6_ADDRESS events and emits TCP_PORT_OPEN for each port
// that accepts a connection.
type PortScan struct {
	fw      spiderevent.Framework
	timeout time.Duration
}

// NewPortScan constructs a fresh PortScan instance for one scan.
func NewPortScan() spiderevent.Module {
	return &PortScan{timeout: 2 * time.Second}
}

func (m *PortScan) Name() string { return PortScanName }

func (m *PortScan) Setup(fw spiderevent.Framework, opts map[string]string) error {
	m.fw = fw
	if v, ok := opts["timeout"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			m.timeout = d
		}
	}

	return nil
}

func (m *PortScan) WatchedEvents() []string {
	return []string{"IP_ADDRESS", "IPV6_ADDRESS"}
}

func (m *PortScan) ProducedEvents() []string {
	return []string{"TCP_PORT_OPEN"}
}

func (m *PortScan) ThreadSafe() bool { return true }

func (m *PortScan) HandleEvent(ctx context.Context, e spiderevent.Event) error {
	sem := make(chan struct{}, portScanConcurrency)

	var wg sync.WaitGroup

	var mu sync.Mutex

	var firstErr error

	for _, port := range commonPorts {
		if m.fw.IsCancelled() {
			break
		}

		sem <- struct{}{}
		wg.Add(1)

		go func(port int) {
			defer wg.Done()
			defer func() { <-sem }()

			addr := net.JoinHostPort(e.Data, fmt.Sprintf("%d", port))

			conn, err := net.DialTimeout("tcp", addr, m.timeout)
			if err != nil {
				return
			}
			_ = conn.Close()

			child := spiderevent.New("TCP_PORT_OPEN", addr, PortScanName, e.Hash, nowSeconds())
			if nerr := m.fw.NotifyListeners(ctx, child); nerr != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = nerr
				}
				mu.Unlock()
			}
		}(port)
	}

	wg.Wait()

	return firstErr
}
