package network

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanshare/models"
)

func TestParseMessageKeepsEmptyFieldsAndNotePipes(t *testing.T) {
	msg, err := ParseMessage("LIST_FILES_RESPONSE|peer-b||a|b|c\r\n")
	require.NoError(t, err)
	assert.Equal(t, CmdListFilesResponse, msg.Command)
	assert.Equal(t, "peer-b", msg.FromPeer)
	assert.Equal(t, "", msg.ToPeer)
	assert.Equal(t, "a|b|c", msg.Note)

	msg, err = ParseMessage("CONNECT_ACCEPT|peer-b|peer-a")
	require.NoError(t, err)
	assert.Equal(t, "", msg.Note)
}

func TestParseMessageRejectsShortLines(t *testing.T) {
	for _, raw := range []string{"", "CONNECT_REQUEST", "CONNECT_REQUEST|peer-a", "|peer-a|peer-b"} {
		_, err := ParseMessage(raw)
		assert.ErrorIs(t, err, ErrMalformedMessage, raw)
	}
}

func TestMessageStringOmitsEmptyNoteAndFlattensNewlines(t *testing.T) {
	assert.Equal(t, "LIST_FILES|a|b", Message{Command: CmdListFiles, FromPeer: "a", ToPeer: "b"}.String())
	assert.Equal(t, "CONNECT_REQUEST|a|b|Alice Smith", Message{Command: CmdConnectRequest, FromPeer: "a", ToPeer: "b", Note: "Alice\nSmith"}.String())
}

func TestEnvelopeParsing(t *testing.T) {
	raw := SystemEnvelope(" remove_file ", "peer-a", "report.pdf").String()
	assert.Equal(t, "CMD:REMOVE_FILE|peer-a|report.pdf", raw)
	require.True(t, IsEnvelope(raw))

	envelope, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, SystemRemoveFile, envelope.SystemType())
	assert.Equal(t, "peer-a", envelope.SenderID)
	assert.Equal(t, "report.pdf", envelope.Payload)

	envelope, err = ParseEnvelope("SEARCH_REQ|peer-a|")
	require.NoError(t, err)
	assert.Equal(t, "", envelope.SystemType())
	assert.Equal(t, "", envelope.Payload)

	assert.False(t, IsEnvelope("SEARCH_REQUEST|a|b"))
	_, err = ParseEnvelope("SEARCH_REQ|peer-a")
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestListingEncoding(t *testing.T) {
	files := []models.SharedFile{
		{Name: "notes\t2024.txt", RelativePath: "notes\t2024.txt", Size: 12},
		{Name: "movie.mkv", RelativePath: "movie.mkv", Size: 4 << 30},
	}

	payload := EncodeListing(files)
	assert.Equal(t, 1, strings.Count(payload, RecordSeparator))
	assert.NotContains(t, payload, "\n")

	decoded := DecodeListing(payload)
	require.Len(t, decoded, 2)
	assert.Equal(t, "notes 2024.txt", decoded[0].Name)
	assert.Equal(t, int64(12), decoded[0].Size)
	assert.Equal(t, int64(4<<30), decoded[1].Size)

	assert.Nil(t, DecodeListing(""))
	partial := DecodeListing("solo.txt<NL><NL>b.txt\t\tnope")
	require.Len(t, partial, 2)
	assert.Equal(t, "solo.txt", partial[0].RelativePath)
	assert.Equal(t, "b.txt", partial[1].RelativePath)
	assert.Zero(t, partial[1].Size)
}

func TestReadLineTimesOut(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := ReadLine(server, 30*time.Millisecond)
	require.Error(t, err)
}

func TestAcceptedPeerSet(t *testing.T) {
	set := NewAcceptedPeerSet()
	assert.True(t, set.Add("peer-b"))
	assert.False(t, set.Add("peer-b"))
	assert.False(t, set.Add(""))
	assert.True(t, set.Add("peer-a"))

	assert.Equal(t, []string{"peer-a", "peer-b"}, set.List())
	assert.True(t, set.Contains("peer-a"))
	assert.True(t, set.Remove("peer-a"))
	assert.False(t, set.Remove("peer-a"))
	assert.False(t, set.Contains("peer-a"))
}
