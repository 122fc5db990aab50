// Package discovery advertises the server on the local network over mDNS so
// that clients on the LAN can find it without configuration.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// Advertiser holds a live mDNS registration.
type Advertiser struct {
	server *zeroconf.Server
	log    *slog.Logger
}

// Advertise registers instance under service on the port of listenAddr. An
// empty instance defaults to "roomsync-<hostname>".
func Advertise(instance, service, domain, listenAddr string, logger *slog.Logger) (*Advertiser, error) {
	port, err := PortFromAddr(listenAddr)
	if err != nil {
		return nil, err
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("%s-%s", "roomsync", host)
	}
	server, err := zeroconf.Register(instance, service, domain, port, []string{"txtv=0", "path=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register %s: %w", service, err)
	}
	logger.Info("mDNS service registered", "instance", instance, "service", service, "port", port)
	return &Advertiser{server: server, log: logger}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
	a.log.Info("mDNS service withdrawn")
}

// Browse logs peers advertising service until ctx is done.
func Browse(ctx context.Context, service, domain string, logger *slog.Logger) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			logger.Info("mDNS discovered peer", "instance", entry.Instance, "addrs", entry.AddrIPv4, "port", entry.Port)
		}
	}()
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return fmt.Errorf("mdns browse %s: %w", service, err)
	}
	<-ctx.Done()
	return nil
}

// PortFromAddr extracts the numeric port of a listen address such as ":8080".
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: port must be numeric and in 1-65535", addr)
	}
	return port, nil
}
