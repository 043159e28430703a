package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"lanshare/models"
)

const (
	// DefaultTimeout bounds dialing and reading one control exchange.
	DefaultTimeout = 8 * time.Second
	// DefaultApprovalTimeout bounds how long an inbound CONNECT_REQUEST waits for a decision.
	DefaultApprovalTimeout = 60 * time.Second
	// MaxLineSize is the maximum accepted control line length.
	MaxLineSize = 4 * 1024 * 1024
	// RecordSeparator joins rows of a listing payload.
	RecordSeparator = "<NL>"

	fieldSeparator  = "|"
	columnSeparator = "\t"
)

const (
	CmdConnectRequest    = "CONNECT_REQUEST"
	CmdConnectAccept     = "CONNECT_ACCEPT"
	CmdConnectReject     = "CONNECT_REJECT"
	CmdDisconnectRequest = "DISCONNECT_REQUEST"
	CmdDisconnectNotify  = "DISCONNECT_NOTIFY"
	CmdListFiles         = "LIST_FILES"
	CmdListFilesResponse = "LIST_FILES_RESPONSE"
	CmdUpdateName        = "UPDATE_NAME"

	PrefixSearchRequest  = "SEARCH_REQ"
	PrefixSearchResponse = "SEARCH_RES"
	PrefixSystemCommand  = "CMD:"

	// SystemRemoveFile tells connected peers a shared file was withdrawn.
	SystemRemoveFile = "REMOVE_FILE"
)

var (
	// ErrMalformedMessage indicates a control line that cannot be parsed.
	ErrMalformedMessage = errors.New("network: malformed control message")
	// ErrLineTooLong indicates a control line above MaxLineSize.
	ErrLineTooLong = errors.New("network: control line exceeds max size")
	// ErrUnexpectedResponse indicates a well-formed reply that does not answer the request.
	ErrUnexpectedResponse = errors.New("network: unexpected control response")
)

// Message is one COMMAND|fromPeer|toPeer|note control line.
type Message struct {
	Command  string
	FromPeer string
	ToPeer   string
	Note     string
}

// String renders the wire form. The note field is omitted when empty.
func (m Message) String() string {
	fields := []string{m.Command, m.FromPeer, m.ToPeer}
	if m.Note != "" {
		fields = append(fields, m.Note)
	}
	return sanitizeLine(strings.Join(fields, fieldSeparator))
}

// ParseMessage decodes a control line. Empty fields are kept; fewer than three
// fields is malformed. The note keeps any further pipes.
func ParseMessage(raw string) (Message, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return Message{}, ErrMalformedMessage
	}

	parts := strings.SplitN(raw, fieldSeparator, 4)
	if len(parts) < 3 || parts[0] == "" {
		return Message{}, ErrMalformedMessage
	}

	msg := Message{
		Command:  parts[0],
		FromPeer: parts[1],
		ToPeer:   parts[2],
	}
	if len(parts) == 4 {
		msg.Note = parts[3]
	}
	return msg, nil
}

// Envelope is a one-way PREFIX|senderId|payload line.
type Envelope struct {
	Prefix   string
	SenderID string
	Payload  string
}

// String renders the wire form.
func (e Envelope) String() string {
	return sanitizeLine(e.Prefix + fieldSeparator + e.SenderID + fieldSeparator + e.Payload)
}

// SystemType returns TYPE of a CMD:TYPE envelope, or "".
func (e Envelope) SystemType() string {
	if !strings.HasPrefix(e.Prefix, PrefixSystemCommand) {
		return ""
	}
	return strings.TrimPrefix(e.Prefix, PrefixSystemCommand)
}

// IsEnvelope reports whether a raw line uses the one-way envelope form.
func IsEnvelope(raw string) bool {
	return strings.HasPrefix(raw, PrefixSearchRequest+fieldSeparator) ||
		strings.HasPrefix(raw, PrefixSearchResponse+fieldSeparator) ||
		strings.HasPrefix(raw, PrefixSystemCommand)
}

// ParseEnvelope decodes a one-way envelope line.
func ParseEnvelope(raw string) (Envelope, error) {
	raw = strings.TrimRight(raw, "\r\n")
	parts := strings.SplitN(raw, fieldSeparator, 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" {
		return Envelope{}, ErrMalformedMessage
	}
	return Envelope{Prefix: parts[0], SenderID: parts[1], Payload: parts[2]}, nil
}

// SystemEnvelope builds CMD:<TYPE>|senderId|payload.
func SystemEnvelope(commandType, senderID, payload string) Envelope {
	return Envelope{
		Prefix:   PrefixSystemCommand + strings.ToUpper(strings.TrimSpace(commandType)),
		SenderID: senderID,
		Payload:  payload,
	}
}

// EncodeListing renders name, relativePath, size rows separated by RecordSeparator.
func EncodeListing(files []models.SharedFile) string {
	rows := make([]string, 0, len(files))
	for _, file := range files {
		rows = append(rows, strings.Join([]string{
			sanitizeCell(file.Name),
			sanitizeCell(file.RelativePath),
			strconv.FormatInt(file.Size, 10),
		}, columnSeparator))
	}
	return strings.Join(rows, RecordSeparator)
}

// DecodeListing parses a listing payload. Blank rows are skipped, a missing
// relative path falls back to the name and an unreadable size becomes 0.
func DecodeListing(payload string) []models.SharedFile {
	if strings.TrimSpace(payload) == "" {
		return nil
	}

	var out []models.SharedFile
	for _, row := range strings.Split(payload, RecordSeparator) {
		if strings.TrimSpace(row) == "" {
			continue
		}
		cols := strings.Split(row, columnSeparator)
		file := models.SharedFile{Name: cols[0], RelativePath: cols[0]}
		if len(cols) > 1 && cols[1] != "" {
			file.RelativePath = cols[1]
		}
		if len(cols) > 2 {
			if size, err := strconv.ParseInt(strings.TrimSpace(cols[2]), 10, 64); err == nil {
				file.Size = size
			}
		}
		out = append(out, file)
	}
	return out
}

// ReadLine reads one newline-terminated line with a read deadline.
func ReadLine(conn net.Conn, timeout time.Duration) (string, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return "", fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	if !scanner.Scan() {
		err := scanner.Err()
		if errors.Is(err, bufio.ErrTooLong) {
			return "", ErrLineTooLong
		}
		if err == nil {
			err = io.EOF
		}
		return "", fmt.Errorf("read control line: %w", err)
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}

// WriteLine writes one newline-terminated line with a write deadline.
func WriteLine(conn net.Conn, line string, timeout time.Duration) error {
	if len(line) > MaxLineSize {
		return ErrLineTooLong
	}
	if timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return fmt.Errorf("write control line: %w", err)
	}
	return nil
}

func sanitizeLine(line string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(line)
}

func sanitizeCell(value string) string {
	return strings.NewReplacer("\t", " ", "\r", " ", "\n", " ").Replace(value)
}
