package device

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"foresta.dev/guardian/internal/protocol"
)

// SystemStatus is the host part of a health check.
type SystemStatus struct {
	Connectivity *protocol.Connectivity
	Storage      *protocol.Storage
	System       *protocol.System
}

// SystemProbe inspects the host the agent runs on.
type SystemProbe interface {
	Probe(ctx context.Context) (SystemStatus, error)
}

// HostProbe reads CPU, memory, storage, uptime and the active network link of the host.
type HostProbe struct {
	// StoragePath is the filesystem whose usage is reported.
	StoragePath string
}

// Probe implements SystemProbe. Individual collector failures leave their block
// empty; an error is returned only when nothing could be read.
func (h HostProbe) Probe(ctx context.Context) (SystemStatus, error) {
	var (
		status SystemStatus
		errs   []error
	)

	sys := &protocol.System{}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		errs = append(errs, err)
	} else if len(pct) > 0 {
		sys.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		sys.MemoryPercent = vm.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err != nil {
		errs = append(errs, err)
	} else {
		sys.UptimeSeconds = up
	}
	status.System = sys

	path := h.StoragePath
	if path == "" {
		path = "/"
	}
	if usage, err := disk.UsageWithContext(ctx, path); err != nil {
		errs = append(errs, err)
	} else {
		status.Storage = &protocol.Storage{UsedPercent: usage.UsedPercent}
	}

	if link, err := activeLink(ctx); err != nil {
		errs = append(errs, err)
	} else {
		status.Connectivity = link
	}

	if len(errs) == 5 {
		return status, errors.Join(errs...)
	}
	return status, nil
}

// activeLink classifies the first interface that is up and not loopback. Signal
// strength is not exposed by the kernel interface list and is left at zero.
func activeLink(ctx context.Context) (*protocol.Connectivity, error) {
	ifaces, err := net.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		return &protocol.Connectivity{NetworkType: linkType(iface.Name)}, nil
	}
	return &protocol.Connectivity{NetworkType: "none"}, nil
}

func linkType(name string) string {
	switch {
	case strings.HasPrefix(name, "wl"):
		return "wifi"
	case strings.HasPrefix(name, "ww"), strings.HasPrefix(name, "ppp"), strings.HasPrefix(name, "rmnet"):
		return "cellular"
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return "ethernet"
	default:
		return "other"
	}
}
