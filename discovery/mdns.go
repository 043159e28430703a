package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"lanshare/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each mDNS browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS advertiser and browser.
type MDNSConfig struct {
	Service     string
	Domain      string
	Version     int
	ScanTimeout time.Duration

	SelfPeerID  string
	DisplayName string
	FilePort    int
	ControlPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c MDNSConfig) validateForAdvertise() error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if strings.TrimSpace(c.DisplayName) == "" {
		return errors.New("display name is required")
	}
	if c.ControlPort <= 0 || c.FilePort <= 0 {
		return errors.New("control and file ports must be > 0")
	}
	return nil
}

// Advertiser publishes the local node via mDNS.
type Advertiser struct {
	cfg    MDNSConfig
	server *zeroconf.Server
}

// StartAdvertiser registers the service and starts answering mDNS queries.
func StartAdvertiser(config MDNSConfig) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.SelfPeerID, cfg.Service, cfg.Domain, cfg.ControlPort, advertiseTXT(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{cfg: cfg, server: server}, nil
}

// SetDisplayName re-announces the TXT records with a new display name.
func (a *Advertiser) SetDisplayName(name string) {
	if a == nil {
		return
	}
	a.cfg.DisplayName = name
	if a.server != nil {
		a.server.SetText(advertiseTXT(a.cfg))
	}
}

// Stop withdraws the mDNS registration.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func advertiseTXT(cfg MDNSConfig) []string {
	return []string{
		"peer_id=" + cfg.SelfPeerID,
		"display_name=" + cfg.DisplayName,
		"file_port=" + strconv.Itoa(cfg.FilePort),
		"control_port=" + strconv.Itoa(cfg.ControlPort),
		"version=" + strconv.Itoa(cfg.Version),
	}
}

// BrowseMDNS runs one browse window and returns the peers seen, excluding self.
func BrowseMDNS(ctx context.Context, config MDNSConfig) ([]models.PeerIdentity, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.PeerIdentity)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if peer, ok := parseEntry(entry, cfg.SelfPeerID); ok {
					collected[peer.PeerID] = peer
				}
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	out := make([]models.PeerIdentity, 0, len(collected))
	for _, peer := range collected {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfPeerID string) (models.PeerIdentity, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" || peerID == selfPeerID {
		return models.PeerIdentity{}, false
	}

	filePort, ok := parsePort(txt["file_port"])
	if !ok {
		return models.PeerIdentity{}, false
	}
	controlPort, ok := parsePort(txt["control_port"])
	if !ok {
		controlPort = entry.Port
	}

	var address string
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip != nil {
			address = ip.String()
			break
		}
	}
	if address == "" {
		return models.PeerIdentity{}, false
	}

	name := strings.TrimSpace(txt["display_name"])
	if name == "" {
		name = peerID
	}

	return models.PeerIdentity{
		PeerID:      peerID,
		DisplayName: name,
		Address:     address,
		FilePort:    filePort,
		ControlPort: controlPort,
		State:       models.StateNotConnected,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
