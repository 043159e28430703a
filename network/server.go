package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lanshare/models"
)

const (
	EventPeerAccepted       EventType = "peer_accepted"
	EventPeerDisconnected   EventType = "peer_disconnected"
	EventDisconnectNotified EventType = "disconnect_notified"
	EventPeerRenamed        EventType = "peer_renamed"
	EventSearchRequest      EventType = "search_request"
	EventSearchResult       EventType = "search_result"
	EventSystemMessage      EventType = "system_message"
)

// EventType identifies control-server notifications.
type EventType string

// Event is emitted by the control server after handling an inbound line.
type Event struct {
	Type        EventType
	PeerID      string
	RemoteIP    string
	DisplayName string
	Note        string
	Keyword     string
	Command     string
	Payload     string
	Files       []models.SharedFile
}

// ApprovalRequest is queued when an inbound CONNECT_REQUEST needs a decision.
type ApprovalRequest struct {
	ID          string
	PeerID      string
	DisplayName string
	RemoteIP    string
	ReceivedAt  time.Time
}

// ServerOptions configures the control server.
type ServerOptions struct {
	SelfPeerID    string
	NameFn        func() string
	ListenAddress string

	Timeout         time.Duration
	ApprovalTimeout time.Duration

	// Approve decides synchronously. When nil, requests are queued on
	// PendingApprovals and resolved with Decide.
	Approve func(ApprovalRequest) bool
	// ListFiles supplies the local shared-file listing.
	ListFiles func() ([]models.SharedFile, error)
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.ApprovalTimeout <= 0 {
		out.ApprovalTimeout = DefaultApprovalTimeout
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.NameFn == nil {
		self := out.SelfPeerID
		out.NameFn = func() string { return self }
	}
	return out
}

// Server accepts single-line control exchanges.
type Server struct {
	opts     ServerOptions
	listener net.Listener
	accepted *AcceptedPeerSet
	notifier *Client
	log      *logrus.Entry

	// eventsMu guards sends on events against Close.
	eventsMu     sync.RWMutex
	eventsClosed bool
	events       chan Event
	approvals    chan ApprovalRequest

	pendingMu sync.Mutex
	pending   map[string]chan bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the control listener and accept loop.
func Listen(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.SelfPeerID) == "" {
		return nil, errors.New("self peer ID is required")
	}

	notifier, err := NewClient(ClientOptions{SelfPeerID: opts.SelfPeerID, NameFn: opts.NameFn, Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	server := &Server{
		opts:      opts,
		listener:  listener,
		accepted:  NewAcceptedPeerSet(),
		notifier:  notifier,
		log:       logrus.WithFields(logrus.Fields{"component": "control", "role": "server"}),
		events:    make(chan Event, 128),
		approvals: make(chan ApprovalRequest, 64),
		pending:   make(map[string]chan bool),
		closed:    make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()

	server.log.WithField("addr", listener.Addr().String()).Info("control server listening")
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Accepted returns the set of peers allowed to list and fetch files.
func (s *Server) Accepted() *AcceptedPeerSet {
	return s.accepted
}

// Events returns asynchronous server notifications.
func (s *Server) Events() <-chan Event {
	return s.events
}

// PendingApprovals returns queued connect requests awaiting Decide.
func (s *Server) PendingApprovals() <-chan ApprovalRequest {
	return s.approvals
}

// Decide resolves a queued approval request.
func (s *Server) Decide(requestID string, accept bool) error {
	s.pendingMu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval request %q", requestID)
	}

	select {
	case ch <- accept:
		return nil
	default:
		return errors.New("approval decision channel is full")
	}
}

// Evict removes a peer from the accepted set and then tries to tell it. A failed
// notification does not undo the eviction.
func (s *Server) Evict(ctx context.Context, peer models.PeerIdentity) error {
	if s.accepted.Remove(peer.PeerID) {
		s.emit(Event{Type: EventPeerDisconnected, PeerID: peer.PeerID})
	}

	note := fmt.Sprintf("Disconnected by peer '%s'", s.opts.NameFn())
	if err := s.notifier.SendDisconnectNotify(ctx, peer, note); err != nil {
		s.log.WithError(err).WithField("peer_id", peer.PeerID).Warn("disconnect notice not delivered")
		return err
	}
	return nil
}

// Close stops accepting, releases pending approvals and closes channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()

		s.eventsMu.Lock()
		s.eventsClosed = true
		close(s.events)
		s.eventsMu.Unlock()
		close(s.approvals)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept control connection")
			continue
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	remoteIP := remoteHost(conn.RemoteAddr())
	raw, err := ReadLine(conn, s.opts.Timeout)
	if err != nil {
		s.log.WithError(err).WithField("remote", remoteIP).Debug("drop control connection")
		return
	}
	if strings.TrimSpace(raw) == "" {
		return
	}

	if IsEnvelope(raw) {
		s.handleEnvelope(raw, remoteIP)
		return
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		s.log.WithField("remote", remoteIP).Debug("drop malformed control line")
		return
	}

	var reply *Message
	switch msg.Command {
	case CmdConnectRequest:
		reply = s.handleConnectRequest(msg, remoteIP)
	case CmdListFiles:
		reply = s.handleListFiles(msg)
	case CmdDisconnectRequest:
		if s.accepted.Remove(msg.FromPeer) {
			s.emit(Event{Type: EventPeerDisconnected, PeerID: msg.FromPeer, RemoteIP: remoteIP})
		}
		reply = &Message{Command: CmdDisconnectNotify, FromPeer: s.opts.SelfPeerID, ToPeer: msg.FromPeer, Note: "Disconnected"}
	case CmdDisconnectNotify:
		s.emit(Event{Type: EventDisconnectNotified, PeerID: msg.FromPeer, RemoteIP: remoteIP, Note: msg.Note})
	case CmdUpdateName:
		name := msg.Note
		if name == "" {
			name = msg.ToPeer
		}
		if name = strings.TrimSpace(name); name != "" {
			s.emit(Event{Type: EventPeerRenamed, PeerID: msg.FromPeer, RemoteIP: remoteIP, DisplayName: name})
		}
	default:
		s.log.WithFields(logrus.Fields{"command": msg.Command, "remote": remoteIP}).Debug("ignore control command")
	}

	if reply == nil {
		return
	}
	if err := WriteLine(conn, reply.String(), s.opts.Timeout); err != nil {
		s.log.WithError(err).WithField("remote", remoteIP).Debug("write control reply")
	}
}

func (s *Server) handleConnectRequest(msg Message, remoteIP string) *Message {
	request := ApprovalRequest{
		ID:          uuid.NewString(),
		PeerID:      msg.FromPeer,
		DisplayName: msg.Note,
		RemoteIP:    remoteIP,
		ReceivedAt:  time.Now(),
	}
	if request.DisplayName == "" {
		request.DisplayName = msg.FromPeer
	}

	accept := msg.FromPeer != "" && s.awaitDecision(request)
	if accept {
		s.accepted.Add(msg.FromPeer)
		s.emit(Event{Type: EventPeerAccepted, PeerID: msg.FromPeer, RemoteIP: remoteIP, DisplayName: request.DisplayName})
	}

	s.log.WithFields(logrus.Fields{
		"peer_id":  msg.FromPeer,
		"name":     request.DisplayName,
		"accepted": accept,
	}).Info("connect request handled")

	if accept {
		return &Message{Command: CmdConnectAccept, FromPeer: s.opts.SelfPeerID, ToPeer: msg.FromPeer, Note: "Accepted"}
	}
	return &Message{Command: CmdConnectReject, FromPeer: s.opts.SelfPeerID, ToPeer: msg.FromPeer, Note: "Rejected"}
}

func (s *Server) awaitDecision(request ApprovalRequest) bool {
	if s.opts.Approve != nil {
		return s.opts.Approve(request)
	}

	decision := make(chan bool, 1)
	s.pendingMu.Lock()
	s.pending[request.ID] = decision
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, request.ID)
		s.pendingMu.Unlock()
	}()

	select {
	case s.approvals <- request:
	default:
		s.log.WithField("peer_id", request.PeerID).Warn("approval queue full, rejecting")
		return false
	}

	timer := time.NewTimer(s.opts.ApprovalTimeout)
	defer timer.Stop()

	select {
	case accept := <-decision:
		return accept
	case <-timer.C:
		return false
	case <-s.closed:
		return false
	}
}

func (s *Server) handleListFiles(msg Message) *Message {
	reply := &Message{Command: CmdListFilesResponse, FromPeer: s.opts.SelfPeerID, ToPeer: msg.FromPeer}
	if !s.accepted.Contains(msg.FromPeer) || s.opts.ListFiles == nil {
		return reply
	}

	files, err := s.opts.ListFiles()
	if err != nil {
		s.log.WithError(err).Warn("list shared files")
		return reply
	}
	reply.Note = EncodeListing(files)
	return reply
}

func (s *Server) handleEnvelope(raw, remoteIP string) {
	envelope, err := ParseEnvelope(raw)
	if err != nil {
		s.log.WithField("remote", remoteIP).Debug("drop malformed envelope")
		return
	}

	switch {
	case envelope.Prefix == PrefixSearchRequest:
		s.emit(Event{Type: EventSearchRequest, PeerID: envelope.SenderID, RemoteIP: remoteIP, Keyword: envelope.Payload})
	case envelope.Prefix == PrefixSearchResponse:
		s.emit(Event{Type: EventSearchResult, PeerID: envelope.SenderID, RemoteIP: remoteIP, Files: DecodeListing(envelope.Payload)})
	case envelope.SystemType() != "":
		s.emit(Event{Type: EventSystemMessage, PeerID: envelope.SenderID, RemoteIP: remoteIP, Command: envelope.SystemType(), Payload: envelope.Payload})
	}
}

func (s *Server) emit(event Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.events <- event:
	default:
		s.log.WithField("event", event.Type).Warn("control event dropped, queue full")
	}
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
