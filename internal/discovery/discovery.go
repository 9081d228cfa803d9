// Package discovery advertises and browses the node's control-plane
// service via mDNS/DNS-SD (SPEC_FULL 4.10), the channel peers use to find
// each other and exchange HELLO out-of-band configuration before any
// packet has gone over the air. Grounded in
// doismellburning-samoyed's dns_sd_announce (src/dns_sd.go), generalized
// from KISS-over-TCP service announcement to a generic control endpoint.
package discovery

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// ServiceType is the DNS-SD service type advertised and browsed for.
const ServiceType = "_corenet-ctl._udp"

// gatewayTextKey is the TXT record key carrying Node.is_gateway
// (spec.md section 3).
const gatewayTextKey = "gateway"

// Advertiser announces this node's control-plane endpoint.
type Advertiser struct {
	log *log.Logger
	rp  *dnssd.Responder
}

// NewAdvertiser builds and registers a service advertisement for name on
// port, carrying isGateway in its TXT record, exactly as
// dns_sd_announce builds a dnssd.Config/Service/Responder.
func NewAdvertiser(name string, port int, isGateway bool, logger *log.Logger) (*Advertiser, error) {
	text := map[string]string{}
	if isGateway {
		text[gatewayTextKey] = "1"
	}

	cfg := dnssd.Config{
		Name: name,
		Type: ServiceType,
		Port: port,
		Text: text,
	}

	sv, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: create service: %w", err)
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("discovery: create responder: %w", err)
	}

	if _, err := rp.Add(sv); err != nil {
		return nil, fmt.Errorf("discovery: add service: %w", err)
	}

	a := &Advertiser{rp: rp}
	if logger != nil {
		a.log = logger.With("component", "discovery")
	}
	return a, nil
}

// Respond runs the DNS-SD responder until ctx is cancelled, answering
// queries for the advertised service. It blocks; run it in a goroutine.
func (a *Advertiser) Respond(ctx context.Context) error {
	err := a.rp.Respond(ctx)
	if err != nil && ctx.Err() == nil && a.log != nil {
		a.log.Error("DNS-SD responder error", "err", err)
	}
	return err
}

// PeerFound is one control-plane peer discovered via mDNS browse.
type PeerFound struct {
	Name      string
	Host      string
	Port      int
	IsGateway bool
}

// Browser watches for other nodes' control-plane advertisements.
type Browser struct {
	log *log.Logger
}

// NewBrowser builds a Browser.
func NewBrowser(logger *log.Logger) *Browser {
	b := &Browser{}
	if logger != nil {
		b.log = logger.With("component", "discovery")
	}
	return b
}

// Browse watches ServiceType advertisements until ctx is cancelled,
// invoking onAdd/onRemove as peers come and go. It blocks; run it in a
// goroutine. The caller is expected to feed PeerFound events into an
// internal/neighbor.Table via Entry.SetDiscovery.
func (b *Browser) Browse(ctx context.Context, onAdd, onRemove func(PeerFound)) error {
	err := dnssd.LookupType(ctx, ServiceType,
		func(e dnssd.BrowseEntry) { onAdd(peerFromEntry(e)) },
		func(e dnssd.BrowseEntry) { onRemove(peerFromEntry(e)) },
	)
	if err != nil && ctx.Err() == nil && b.log != nil {
		b.log.Error("DNS-SD browse error", "err", err)
	}
	return err
}

func peerFromEntry(e dnssd.BrowseEntry) PeerFound {
	p := PeerFound{Name: e.Name, Port: e.Port}
	if len(e.IPs) > 0 {
		p.Host = e.IPs[0].String()
	}
	if e.Text != nil {
		p.IsGateway = e.Text[gatewayTextKey] == "1"
	}
	return p
}
