// Package node owns the long-lived components of one sharing peer: the control
// and transfer listeners, discovery, the local peer view and download jobs.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lanshare/config"
	"lanshare/discovery"
	"lanshare/download"
	"lanshare/models"
	"lanshare/network"
	"lanshare/share"
	"lanshare/transfer"
)

var (
	// ErrNotStarted indicates an operation that needs the listeners running.
	ErrNotStarted = errors.New("node: not started")
	// ErrStopped indicates an operation after Stop.
	ErrStopped = errors.New("node: stopped")
	// ErrDownloadInProgress indicates a live job already writes the destination.
	ErrDownloadInProgress = errors.New("node: download already in progress for destination")
)

// Options carries collaborators and observers. Every field is optional.
type Options struct {
	// ConfigPath is where renames and share-folder changes are persisted.
	ConfigPath string
	// History receives completed downloads.
	History download.HistorySink
	// Approve answers inbound connect requests synchronously. When nil and
	// auto_accept_peers is off, requests wait on PendingApprovals.
	Approve func(network.ApprovalRequest) bool
	// ListenHost restricts the control and transfer listeners to one address.
	ListenHost string
	// DisableDiscovery skips the multicast responder, mDNS and the scanner.
	DisableDiscovery bool

	OnControlEvent func(network.Event)
	OnPeerEvent    func(discovery.Event)
	OnPeerState    func(models.PeerIdentity)
	OnJobState     func(*download.Job, download.State)
	OnJobProgress  func(*download.Job, float64)
}

// Node is one running peer.
type Node struct {
	opts Options
	log  *logrus.Entry

	cfgMu sync.RWMutex
	cfg   config.NodeConfig

	folder atomic.Pointer[share.Folder]

	controlClient *network.Client
	peers         *network.PeerManager
	fileClient    *transfer.Client

	control    *network.Server
	files      *transfer.Server
	responder  *discovery.Responder
	advertiser *discovery.Advertiser
	scanner    *discovery.PeerScanner

	jobsMu sync.Mutex
	jobs   map[string]*download.Job

	stopped   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New validates cfg and builds the clients. Listeners are bound by Start.
func New(cfg *config.NodeConfig, options Options) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		opts: options,
		cfg:  *cfg,
		log:  logrus.WithFields(logrus.Fields{"component": "node", "peer_id": cfg.PeerID}),
		jobs: make(map[string]*download.Job),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if cfg.ShareDir != "" {
		folder, err := share.NewFolder(cfg.ShareDir)
		if err != nil {
			return nil, fmt.Errorf("open share folder: %w", err)
		}
		n.folder.Store(folder)
	}

	client, err := network.NewClient(network.ClientOptions{
		SelfPeerID: cfg.PeerID,
		NameFn:     n.DisplayName,
	})
	if err != nil {
		return nil, err
	}
	n.controlClient = client

	peers, err := network.NewPeerManager(network.PeerManagerOptions{
		Client:        client,
		OnStateChange: options.OnPeerState,
	})
	if err != nil {
		return nil, err
	}
	n.peers = peers
	n.fileClient = transfer.NewClient(transfer.ClientOptions{})
	return n, nil
}

// Start binds the control and transfer listeners, then starts discovery and
// the event loops. Only the first call has an effect.
func (n *Node) Start(ctx context.Context) error {
	if n.stopped.Load() {
		return ErrStopped
	}

	var startErr error
	n.startOnce.Do(func() {
		startErr = n.start(ctx)
	})
	return startErr
}

func (n *Node) start(ctx context.Context) error {
	cfg := n.config()
	controlPort, filePort := cfg.ListenPorts()

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		approve := n.opts.Approve
		if approve == nil && cfg.AutoAcceptPeers {
			approve = func(network.ApprovalRequest) bool { return true }
		}
		server, err := network.Listen(network.ServerOptions{
			SelfPeerID:    cfg.PeerID,
			NameFn:        n.DisplayName,
			ListenAddress: net.JoinHostPort(n.opts.ListenHost, strconv.Itoa(controlPort)),
			Approve:       approve,
			ListFiles:     n.LocalFiles,
		})
		if err != nil {
			return fmt.Errorf("start control server: %w", err)
		}
		n.control = server
		return nil
	})
	group.Go(func() error {
		server, err := transfer.Listen(transfer.ServerOptions{
			ListenAddress: net.JoinHostPort(n.opts.ListenHost, strconv.Itoa(filePort)),
			ChunkSize:     cfg.ChunkSize,
			Folder:        n.folder.Load(),
		})
		if err != nil {
			return fmt.Errorf("start transfer server: %w", err)
		}
		n.files = server
		return nil
	})
	if err := group.Wait(); err != nil {
		n.closeListeners()
		return err
	}

	n.wg.Add(1)
	go n.controlLoop()

	if !n.opts.DisableDiscovery {
		n.startDiscovery(cfg)
	}

	self := n.Self()
	n.log.WithFields(logrus.Fields{
		"name":         self.DisplayName,
		"control_port": self.ControlPort,
		"file_port":    self.FilePort,
	}).Info("node started")
	return nil
}

// startDiscovery runs the multicast responder, the optional mDNS advertiser and
// the scanner. Failures are logged; the node keeps serving peers it already knows.
func (n *Node) startDiscovery(cfg config.NodeConfig) {
	self := n.Self()

	responder, err := discovery.NewResponder(discovery.ResponderConfig{
		SelfPeerID:  cfg.PeerID,
		NameFn:      n.DisplayName,
		FilePort:    self.FilePort,
		ControlPort: self.ControlPort,
	})
	if err == nil {
		err = responder.Start()
	}
	if err != nil {
		n.log.WithError(err).Warn("multicast responder unavailable")
	} else {
		n.responder = responder
	}

	probe := discovery.ProbeConfig{
		SelfPeerID: cfg.PeerID,
		Timeout:    time.Duration(cfg.DiscoveryTimeoutMillis) * time.Millisecond,
	}
	sources := []discovery.ScanFunc{discovery.MulticastSource(probe)}

	if cfg.MDNSEnabled {
		mdns := discovery.MDNSConfig{
			SelfPeerID:  cfg.PeerID,
			DisplayName: self.DisplayName,
			FilePort:    self.FilePort,
			ControlPort: self.ControlPort,
		}
		advertiser, err := discovery.StartAdvertiser(mdns)
		if err != nil {
			n.log.WithError(err).Warn("mDNS advertiser unavailable")
		} else {
			n.advertiser = advertiser
		}
		sources = append(sources, discovery.MDNSSource(mdns))
	}

	scanner, err := discovery.NewPeerScanner(discovery.ScannerConfig{Sources: sources, MissLimit: 2})
	if err != nil {
		n.log.WithError(err).Warn("peer scanner unavailable")
		return
	}
	n.scanner = scanner
	scanner.Start()

	n.wg.Add(1)
	go n.discoveryLoop(scanner.Events())
}

// Stop ends discovery, closes listeners and interrupts running downloads. An
// interrupted download keeps its resume state.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.stopped.Store(true)
		n.cancel()

		if n.scanner != nil {
			n.scanner.Stop()
		}
		if n.advertiser != nil {
			n.advertiser.Stop()
		}
		if n.responder != nil {
			n.responder.Stop()
		}
		n.closeListeners()
		n.wg.Wait()

		for _, job := range n.Jobs() {
			<-job.Done()
		}
		n.log.Info("node stopped")
	})
}

func (n *Node) closeListeners() {
	if n.control != nil {
		if err := n.control.Close(); err != nil {
			n.log.WithError(err).Debug("close control server")
		}
	}
	if n.files != nil {
		if err := n.files.Close(); err != nil {
			n.log.WithError(err).Debug("close transfer server")
		}
	}
}

func (n *Node) controlLoop() {
	defer n.wg.Done()

	for event := range n.control.Events() {
		n.handleControlEvent(event)
		if n.opts.OnControlEvent != nil {
			n.opts.OnControlEvent(event)
		}
	}
}

func (n *Node) handleControlEvent(event network.Event) {
	log := n.log.WithFields(logrus.Fields{"event": event.Type, "from": event.PeerID})

	switch event.Type {
	case network.EventPeerRenamed:
		if _, ok := n.peers.Rename(event.PeerID, event.DisplayName); ok {
			log.WithField("name", event.DisplayName).Info("peer renamed")
		}
	case network.EventDisconnectNotified:
		if n.peers.HandleRemoteDisconnect(event.PeerID) {
			log.WithField("note", event.Note).Info("peer revoked access")
		}
	case network.EventSearchRequest:
		n.answerSearch(event)
	case network.EventSystemMessage:
		log.WithFields(logrus.Fields{"command": event.Command, "payload": event.Payload}).Info("system message")
	}
}

// answerSearch replies to SEARCH_REQ from peers this node has accepted.
func (n *Node) answerSearch(event network.Event) {
	log := n.log.WithFields(logrus.Fields{"from": event.PeerID, "keyword": event.Keyword})

	if !n.control.Accepted().Contains(event.PeerID) {
		log.Debug("ignore search from peer that is not accepted")
		return
	}
	peer, ok := n.peers.Get(event.PeerID)
	if !ok {
		log.Debug("ignore search from unknown peer")
		return
	}

	files, err := n.folder.Load().Search(event.Keyword)
	if err != nil {
		log.WithError(err).Warn("local search failed")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.controlClient.SendSearchResponse(n.ctx, peer, files); err != nil {
			log.WithError(err).Warn("send search response")
		}
	}()
}

func (n *Node) discoveryLoop(events <-chan discovery.Event) {
	defer n.wg.Done()

	for event := range events {
		switch event.Type {
		case discovery.EventPeerUpserted:
			n.peers.Upsert(event.Peer)
		case discovery.EventPeerRemoved:
			n.peers.Forget(event.Peer.PeerID)
		}
		if n.opts.OnPeerEvent != nil {
			n.opts.OnPeerEvent(event)
		}
	}
}

// Self returns this node's identity with the bound ports.
func (n *Node) Self() models.PeerIdentity {
	cfg := n.config()
	self := models.PeerIdentity{
		PeerID:      cfg.PeerID,
		DisplayName: cfg.DisplayName,
		ControlPort: cfg.ControlPort,
		FilePort:    cfg.FilePort,
	}
	if n.control != nil {
		self.ControlPort = tcpPort(n.control.Addr())
	}
	if n.files != nil {
		self.FilePort = tcpPort(n.files.Addr())
	}
	return self
}

// DisplayName returns the current advertised name.
func (n *Node) DisplayName() string {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return n.cfg.DisplayName
}

// Peers returns the known peers ordered by name.
func (n *Node) Peers() []models.PeerIdentity {
	return n.peers.List()
}

// AddPeer records a peer that was not found by discovery.
func (n *Node) AddPeer(peer models.PeerIdentity) models.PeerIdentity {
	return n.peers.Upsert(peer)
}

// Discover runs one scan now and merges its results.
func (n *Node) Discover(ctx context.Context) ([]models.PeerIdentity, error) {
	if n.scanner != nil {
		if err := n.scanner.Refresh(ctx); err != nil {
			return nil, err
		}
		for _, peer := range n.scanner.ListPeers() {
			n.peers.Upsert(peer)
		}
		return n.peers.List(), nil
	}

	cfg := n.config()
	found := discovery.DiscoverPeers(ctx, discovery.ProbeConfig{
		SelfPeerID: cfg.PeerID,
		Timeout:    time.Duration(cfg.DiscoveryTimeoutMillis) * time.Millisecond,
	})
	for _, peer := range found {
		n.peers.Upsert(peer)
	}
	return n.peers.List(), nil
}

// Connect asks a known peer to accept this node.
func (n *Node) Connect(ctx context.Context, peerID string) (bool, error) {
	return n.peers.Connect(ctx, peerID)
}

// Disconnect withdraws from a peer this node connected to.
func (n *Node) Disconnect(ctx context.Context, peerID string) (bool, error) {
	return n.peers.Disconnect(ctx, peerID)
}

// Evict revokes a peer's access to this node and notifies it.
func (n *Node) Evict(ctx context.Context, peerID string) error {
	if n.control == nil {
		return ErrNotStarted
	}
	peer, ok := n.peers.Get(peerID)
	if !ok {
		return fmt.Errorf("%w: %s", network.ErrUnknownPeer, peerID)
	}
	return n.control.Evict(ctx, peer)
}

// AcceptedPeers returns the IDs allowed to list this node's files.
func (n *Node) AcceptedPeers() []string {
	if n.control == nil {
		return nil
	}
	return n.control.Accepted().List()
}

// PendingApprovals delivers connect requests awaiting Decide.
func (n *Node) PendingApprovals() <-chan network.ApprovalRequest {
	if n.control == nil {
		return nil
	}
	return n.control.PendingApprovals()
}

// Decide answers a queued connect request.
func (n *Node) Decide(requestID string, accept bool) error {
	if n.control == nil {
		return ErrNotStarted
	}
	return n.control.Decide(requestID, accept)
}

// ListRemoteFiles fetches a peer's shared listing.
func (n *Node) ListRemoteFiles(ctx context.Context, peerID string) ([]models.SharedFile, error) {
	return n.peers.ListRemoteFiles(ctx, peerID)
}

// Search sends SEARCH_REQ to connected peers. Results arrive as
// search_result control events.
func (n *Node) Search(ctx context.Context, keyword string) error {
	return n.peers.BroadcastSearch(ctx, keyword)
}

// LocalFiles lists the current share folder.
func (n *Node) LocalFiles() ([]models.SharedFile, error) {
	return n.folder.Load().List()
}

// ShareFolder returns the current share root, or "" when sharing is off.
func (n *Node) ShareFolder() string {
	return n.folder.Load().Root()
}

// SetShareFolder switches the served folder for new requests and persists it.
// An empty dir turns sharing off.
func (n *Node) SetShareFolder(dir string) error {
	dir = strings.TrimSpace(dir)

	var folder *share.Folder
	if dir != "" {
		var err error
		if folder, err = share.NewFolder(dir); err != nil {
			return err
		}
	}
	n.folder.Store(folder)
	if n.files != nil {
		n.files.SetFolder(folder)
	}

	n.cfgMu.Lock()
	n.cfg.ShareDir = folder.Root()
	n.cfgMu.Unlock()
	return n.persist()
}

// RemoveSharedFile deletes a shared file and tells connected peers.
func (n *Node) RemoveSharedFile(ctx context.Context, relativePath string) error {
	if err := n.folder.Load().Remove(relativePath); err != nil {
		return err
	}
	return n.peers.BroadcastSystemCommand(ctx, network.SystemRemoveFile, relativePath)
}

// Rename changes the display name, persists it and announces it to connected
// peers. The rename stands even when some announcements fail.
func (n *Node) Rename(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("display name is required")
	}

	n.cfgMu.Lock()
	n.cfg.DisplayName = name
	n.cfgMu.Unlock()
	if err := n.persist(); err != nil {
		return err
	}

	if n.advertiser != nil {
		n.advertiser.SetDisplayName(name)
	}
	n.log.WithField("name", name).Info("display name changed")
	return n.peers.BroadcastName(ctx, name)
}

// Download starts a job fetching remotePath from a known peer into the
// download directory.
func (n *Node) Download(peerID, remotePath string) (*download.Job, error) {
	if n.stopped.Load() {
		return nil, ErrStopped
	}
	peer, ok := n.peers.Get(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", network.ErrUnknownPeer, peerID)
	}

	name := path.Base(filepath.ToSlash(strings.TrimSpace(remotePath)))
	if name == "" || name == "." || name == "/" || name == ".." {
		return nil, fmt.Errorf("invalid remote path %q", remotePath)
	}
	dest := filepath.Join(n.config().DownloadDir, name)

	n.jobsMu.Lock()
	for _, existing := range n.jobs {
		if existing.Destination() == dest && !existing.State().Terminal() {
			n.jobsMu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDownloadInProgress, dest)
		}
	}

	job, err := download.New(download.Options{
		Client:      n.fileClient,
		Peer:        peer,
		RemotePath:  remotePath,
		Destination: dest,
		History:     n.opts.History,
		OnState:     n.opts.OnJobState,
		OnProgress:  n.opts.OnJobProgress,
	})
	if err != nil {
		n.jobsMu.Unlock()
		return nil, err
	}
	n.jobs[job.ID()] = job
	n.jobsMu.Unlock()

	job.Start(n.ctx)
	return job, nil
}

// Job returns a download job by ID.
func (n *Node) Job(id string) (*download.Job, bool) {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	job, ok := n.jobs[id]
	return job, ok
}

// Jobs returns every job started by this node.
func (n *Node) Jobs() []*download.Job {
	n.jobsMu.Lock()
	defer n.jobsMu.Unlock()
	out := make([]*download.Job, 0, len(n.jobs))
	for _, job := range n.jobs {
		out = append(out, job)
	}
	return out
}

func (n *Node) config() config.NodeConfig {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return n.cfg
}

func (n *Node) persist() error {
	if n.opts.ConfigPath == "" {
		return nil
	}
	cfg := n.config()
	if err := config.Save(n.opts.ConfigPath, &cfg); err != nil {
		return fmt.Errorf("persist config: %w", err)
	}
	return nil
}

func tcpPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	value, _ := strconv.Atoi(port)
	return value
}
