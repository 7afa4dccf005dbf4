package builtin

import (
	"log/slog"
	"time"

	"github.com/correlator-io/correlator/internal/module"
)

const logLevelWarn = slog.LevelWarn

// nowSeconds returns the current time as epoch seconds with sub-second
// precision, matching spiderevent.Event.Generated's float64 epoch
// convention.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Register adds every built-in module's Descriptor to reg.
func Register(reg *module.Registry) error {
	descriptors := []module.Descriptor{
		{
			Name: DNSResolveName,
			Meta: module.Meta{
				HumanName: "DNS Resolver",
				Summary:   "Resolves hostnames to IP addresses.",
				Category:  "DNS",
				UseCases:  []module.UseCase{module.UseCasePassive, module.UseCaseFootprint, module.UseCaseInvestigate},
			},
			Flags: module.Flags{Passive: true},
			New:   NewDNSResolve,
		},
		{
			Name: PortScanName,
			Meta: module.Meta{
				HumanName: "TCP Port Scanner",
				Summary:   "Performs a bounded-concurrency TCP connect scan of common ports.",
				Category:  "Port Scanning",
				UseCases:  []module.UseCase{module.UseCaseInvestigate, module.UseCaseFootprint},
			},
			Flags: module.Flags{Passive: false, Invasive: true},
			New:   NewPortScan,
		},
		{
			Name: IPBlacklistName,
			Meta: module.Meta{
				HumanName: "IP Blacklist Checker",
				Summary:   "Matches IP addresses against an in-memory static blacklist.",
				Category:  "Reputation",
				UseCases:  []module.UseCase{module.UseCasePassive, module.UseCaseInvestigate},
			},
			Flags: module.Flags{Passive: true},
			New:   NewIPBlacklist,
		},
	}

	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return err
		}
	}

	return nil
}
