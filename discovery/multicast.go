package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"lanshare/models"
)

const multicastTTL = 4

type listenFunc func(group *net.UDPAddr) (*net.UDPConn, func(), error)

// ResponderConfig controls the multicast discovery responder.
type ResponderConfig struct {
	SelfPeerID  string
	NameFn      func() string
	FilePort    int
	ControlPort int

	GroupAddress string
	Port         int

	listenFn listenFunc
}

func (c ResponderConfig) withDefaults() ResponderConfig {
	out := c
	if out.GroupAddress == "" {
		out.GroupAddress = DefaultGroupAddress
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	if out.listenFn == nil {
		out.listenFn = listenGroup
	}
	return out
}

func (c ResponderConfig) validate() error {
	if strings.TrimSpace(c.SelfPeerID) == "" {
		return errors.New("self peer ID is required")
	}
	if c.NameFn == nil {
		return errors.New("display name supplier is required")
	}
	if c.FilePort <= 0 || c.ControlPort <= 0 {
		return errors.New("file and control ports must be > 0")
	}
	return nil
}

// Responder answers DISCOVER_REQUEST datagrams on the multicast group.
type Responder struct {
	cfg   ResponderConfig
	group *net.UDPAddr
	log   *logrus.Entry

	mu      sync.Mutex
	conn    *net.UDPConn
	leave   func()
	stopped chan struct{}
	wg      sync.WaitGroup
}

// NewResponder validates config and prepares a stopped responder.
func NewResponder(config ResponderConfig) (*Responder, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	groupIP := net.ParseIP(cfg.GroupAddress)
	if groupIP == nil {
		return nil, fmt.Errorf("invalid multicast group %q", cfg.GroupAddress)
	}

	return &Responder{
		cfg:   cfg,
		group: &net.UDPAddr{IP: groupIP, Port: cfg.Port},
		log:   logrus.WithFields(logrus.Fields{"component": "discovery", "role": "responder"}),
	}, nil
}

// Start joins the group and begins answering requests. Calling Start while
// already running is a no-op.
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		return nil
	}

	conn, leave, err := r.cfg.listenFn(r.group)
	if err != nil {
		return fmt.Errorf("join discovery group %s: %w", r.group, err)
	}

	r.conn = conn
	r.leave = leave
	r.stopped = make(chan struct{})
	r.wg.Add(1)
	go r.loop(conn, r.stopped)

	r.log.WithField("addr", conn.LocalAddr().String()).Info("discovery responder started")
	return nil
}

// Stop leaves the group and releases the socket. Safe to call when not running.
func (r *Responder) Stop() {
	r.mu.Lock()
	conn := r.conn
	leave := r.leave
	stopped := r.stopped
	r.conn = nil
	r.leave = nil
	r.stopped = nil
	r.mu.Unlock()

	if conn == nil {
		return
	}

	close(stopped)
	if leave != nil {
		leave()
	}
	_ = conn.Close()
	r.wg.Wait()
	r.log.Info("discovery responder stopped")
}

// Running reports whether the responder currently holds a socket.
func (r *Responder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Addr returns the bound local address, or nil when stopped.
func (r *Responder) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Responder) loop(conn *net.UDPConn, stopped <-chan struct{}) {
	defer r.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.WithError(err).Warn("read discovery datagram")
			continue
		}

		if strings.TrimSpace(string(buf[:n])) != RequestToken {
			continue
		}

		reply := FormatResponse(r.cfg.SelfPeerID, r.cfg.NameFn(), r.cfg.FilePort, r.cfg.ControlPort)
		if _, err := conn.WriteToUDP([]byte(reply), src); err != nil {
			r.log.WithError(err).WithField("to", src.String()).Warn("send discovery response")
		}
	}
}

// ProbeConfig controls one discovery probe.
type ProbeConfig struct {
	SelfPeerID   string
	Timeout      time.Duration
	GroupAddress string
	Port         int
}

func (c ProbeConfig) withDefaults() ProbeConfig {
	out := c
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.GroupAddress == "" {
		out.GroupAddress = DefaultGroupAddress
	}
	if out.Port <= 0 {
		out.Port = DefaultPort
	}
	return out
}

// DiscoverPeers sends one DISCOVER_REQUEST and collects responses until the
// timeout elapses or ctx ends. At most one identity is returned per peer ID and
// the local peer is skipped. Socket errors end collection early; whatever was
// gathered so far is returned.
func DiscoverPeers(ctx context.Context, config ProbeConfig) []models.PeerIdentity {
	cfg := config.withDefaults()
	log := logrus.WithFields(logrus.Fields{"component": "discovery", "role": "probe"})

	target := &net.UDPAddr{IP: net.ParseIP(cfg.GroupAddress), Port: cfg.Port}
	if target.IP == nil {
		log.WithField("group", cfg.GroupAddress).Warn("invalid discovery group")
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		log.WithError(err).Warn("open discovery socket")
		return nil
	}
	defer func() {
		_ = conn.Close()
	}()

	pc := ipv4.NewPacketConn(conn)
	_ = pc.SetMulticastTTL(multicastTTL)
	_ = pc.SetMulticastLoopback(true)
	if iface := bestInterface(); iface != nil {
		_ = pc.SetMulticastInterface(iface)
	}

	deadline := time.Now().Add(cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		log.WithError(err).Warn("set discovery deadline")
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	if _, err := conn.WriteToUDP([]byte(RequestToken), target); err != nil {
		log.WithError(err).Warn("send discovery request")
		return nil
	}

	var (
		peers []models.PeerIdentity
		index = make(map[string]int)
		buf   = make([]byte, maxDatagramSize)
	)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				log.WithError(err).Warn("read discovery response")
			}
			break
		}

		peer, ok := ParseResponse(string(buf[:n]))
		if !ok || peer.PeerID == cfg.SelfPeerID {
			continue
		}
		peer.Address = src.IP.String()

		if i, seen := index[peer.PeerID]; seen {
			peers[i] = peer
			continue
		}
		index[peer.PeerID] = len(peers)
		peers = append(peers, peer)
	}

	log.WithField("peers", len(peers)).Debug("discovery probe finished")
	return peers
}

func listenGroup(group *net.UDPAddr) (*net.UDPConn, func(), error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, nil, err
	}

	pc := ipv4.NewPacketConn(conn)
	var joined []net.Interface
	for _, iface := range multicastInterfaces() {
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group.IP}); err == nil {
			joined = append(joined, iface)
		}
	}
	_ = pc.SetMulticastLoopback(true)
	_ = pc.SetMulticastTTL(multicastTTL)

	leave := func() {
		for i := range joined {
			_ = pc.LeaveGroup(&joined[i], &net.UDPAddr{IP: group.IP})
		}
	}
	return conn, leave, nil
}

func multicastInterfaces() []net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	out := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		out = append(out, iface)
	}
	return out
}

func bestInterface() *net.Interface {
	for _, iface := range multicastInterfaces() {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return &iface
			}
		}
	}
	return nil
}
