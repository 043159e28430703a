package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lanshare/models"
)

// ClientOptions configures outbound control exchanges.
type ClientOptions struct {
	SelfPeerID string
	NameFn     func() string

	// Timeout bounds dialing and ordinary replies.
	Timeout time.Duration
	// ApprovalWait bounds the CONNECT_REQUEST reply, which may wait on a human.
	ApprovalWait time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.ApprovalWait <= 0 {
		out.ApprovalWait = DefaultApprovalTimeout + 5*time.Second
	}
	if out.NameFn == nil {
		self := out.SelfPeerID
		out.NameFn = func() string { return self }
	}
	return out
}

// Client sends single-line control exchanges. It never retries.
type Client struct {
	opts ClientOptions
	log  *logrus.Entry
}

// NewClient validates options and returns a client.
func NewClient(options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(opts.SelfPeerID) == "" {
		return nil, errors.New("self peer ID is required")
	}
	return &Client{
		opts: opts,
		log:  logrus.WithFields(logrus.Fields{"component": "control", "role": "client"}),
	}, nil
}

// SendConnectRequest asks peer to accept this node. It reports true only on a
// CONNECT_ACCEPT addressed to this node.
func (c *Client) SendConnectRequest(ctx context.Context, peer models.PeerIdentity) (bool, error) {
	request := Message{
		Command:  CmdConnectRequest,
		FromPeer: c.opts.SelfPeerID,
		ToPeer:   peer.PeerID,
		Note:     c.opts.NameFn(),
	}

	reply, err := c.request(ctx, peer, request, c.opts.ApprovalWait)
	if err != nil {
		return false, err
	}
	switch reply.Command {
	case CmdConnectAccept:
		return true, nil
	case CmdConnectReject:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnexpectedResponse, reply.Command)
	}
}

// ListFiles requests the peer's shared-file listing. A peer that has not
// accepted this node answers with an empty listing.
func (c *Client) ListFiles(ctx context.Context, peer models.PeerIdentity) ([]models.SharedFile, error) {
	request := Message{Command: CmdListFiles, FromPeer: c.opts.SelfPeerID, ToPeer: peer.PeerID}

	reply, err := c.request(ctx, peer, request, c.opts.Timeout)
	if err != nil {
		return nil, err
	}
	if reply.Command != CmdListFilesResponse {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedResponse, reply.Command)
	}
	return DecodeListing(reply.Note), nil
}

// SendDisconnectRequest asks peer to drop this node from its accepted set.
func (c *Client) SendDisconnectRequest(ctx context.Context, peer models.PeerIdentity) (bool, error) {
	request := Message{Command: CmdDisconnectRequest, FromPeer: c.opts.SelfPeerID, ToPeer: peer.PeerID, Note: "Disconnect"}

	reply, err := c.request(ctx, peer, request, c.opts.Timeout)
	if err != nil {
		return false, err
	}
	return reply.Command == CmdDisconnectNotify, nil
}

// SendDisconnectNotify tells peer that this node no longer accepts it.
func (c *Client) SendDisconnectNotify(ctx context.Context, peer models.PeerIdentity, note string) error {
	msg := Message{Command: CmdDisconnectNotify, FromPeer: c.opts.SelfPeerID, ToPeer: peer.PeerID, Note: note}
	return c.send(ctx, peer, msg.String())
}

// SendUpdateName announces a new display name.
func (c *Client) SendUpdateName(ctx context.Context, peer models.PeerIdentity, name string) error {
	msg := Message{Command: CmdUpdateName, FromPeer: c.opts.SelfPeerID, ToPeer: name}
	return c.send(ctx, peer, msg.String())
}

// SendSearchRequest relays a keyword search to peer.
func (c *Client) SendSearchRequest(ctx context.Context, peer models.PeerIdentity, keyword string) error {
	envelope := Envelope{Prefix: PrefixSearchRequest, SenderID: c.opts.SelfPeerID, Payload: keyword}
	return c.send(ctx, peer, envelope.String())
}

// SendSearchResponse returns local search hits to peer.
func (c *Client) SendSearchResponse(ctx context.Context, peer models.PeerIdentity, files []models.SharedFile) error {
	envelope := Envelope{Prefix: PrefixSearchResponse, SenderID: c.opts.SelfPeerID, Payload: EncodeListing(files)}
	return c.send(ctx, peer, envelope.String())
}

// SendSystemCommand sends a CMD:<TYPE> envelope.
func (c *Client) SendSystemCommand(ctx context.Context, peer models.PeerIdentity, commandType, payload string) error {
	envelope := SystemEnvelope(commandType, c.opts.SelfPeerID, payload)
	return c.send(ctx, peer, envelope.String())
}

func (c *Client) request(ctx context.Context, peer models.PeerIdentity, msg Message, replyTimeout time.Duration) (Message, error) {
	raw, err := exchange(ctx, peer.ControlAddr(), msg.String(), true, replyTimeout)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"peer_id": peer.PeerID, "command": msg.Command}).Debug("control exchange failed")
		return Message{}, err
	}

	reply, err := ParseMessage(raw)
	if err != nil {
		return Message{}, err
	}
	if reply.ToPeer != c.opts.SelfPeerID {
		return Message{}, fmt.Errorf("%w: reply addressed to %q", ErrUnexpectedResponse, reply.ToPeer)
	}
	return reply, nil
}

func (c *Client) send(ctx context.Context, peer models.PeerIdentity, line string) error {
	if _, err := exchange(ctx, peer.ControlAddr(), line, false, c.opts.Timeout); err != nil {
		c.log.WithError(err).WithField("peer_id", peer.PeerID).Debug("control send failed")
		return err
	}
	return nil
}

// exchange dials address, writes one line and optionally reads one reply line.
// Cancelling ctx closes the socket.
func exchange(ctx context.Context, address, line string, wantReply bool, timeout time.Duration) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := net.Dialer{Timeout: DefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return "", fmt.Errorf("dial %q: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := WriteLine(conn, line, DefaultTimeout); err != nil {
		return "", contextOr(ctx, err)
	}
	if !wantReply {
		return "", nil
	}

	reply, err := ReadLine(conn, timeout)
	if err != nil {
		return "", contextOr(ctx, err)
	}
	return reply, nil
}

func contextOr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
