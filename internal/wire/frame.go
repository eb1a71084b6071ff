package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/finnhauser/quorumdb/internal/errkind"
)

// maxFrameSize bounds a single decoded frame, guarding against a
// misbehaving or malicious peer claiming an enormous length prefix.
const maxFrameSize = 64 << 20

// Encode serializes m as: method line, then "Key: Value" header lines in
// sorted order (so wire captures are diffable), a blank line, then the raw
// body. This is the payload that WriteMessage frames onto the wire.
func Encode(m *Message) []byte {
	var buf bytes.Buffer
	buf.WriteString(m.Method)
	buf.WriteByte('\n')
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(m.Headers[k])
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(compressBody(m.Body))
	return buf.Bytes()
}

// Decode parses the payload produced by Encode.
func Decode(data []byte) (*Message, error) {
	headerEnd := bytes.Index(data, []byte("\n\n"))
	if headerEnd < 0 {
		return nil, errkind.New(errkind.TransientIO, "malformed message: no header terminator")
	}
	head := string(data[:headerEnd])
	body := data[headerEnd+2:]

	lines := strings.Split(head, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, errkind.New(errkind.TransientIO, "malformed message: empty method line")
	}
	m := New(lines[0])
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return nil, errkind.New(errkind.TransientIO, "malformed header line %q", line)
		}
		m.Headers[line[:idx]] = line[idx+2:]
	}
	decoded, err := decompressBody(body)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransientIO, err, "decompressing message body")
	}
	if len(decoded) > 0 {
		m.Body = decoded
	}
	return m, nil
}

// WriteFrame writes a single length-delimited frame to conn:
//   - 4 bytes: payload length (uint32, big endian)
//   - N bytes: payload
//
// Adapted from the teacher's writeFrame (rpc/transport/base/util.go), minus
// the shardID/requestID prefix fields a fixed peer-to-peer link has no use
// for.
func WriteFrame(conn net.Conn, payload []byte) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	b := net.Buffers{header, payload}
	_, err := b.WriteTo(conn)
	return err
}

// ReadFrame reads one length-delimited frame from conn, reusing buf when
// large enough. Adapted from the teacher's readFrame.
func ReadFrame(conn net.Conn, buf []byte) ([]byte, error) {
	if buf == nil || len(buf) < 4 {
		buf = make([]byte, 4)
	}
	if _, err := io.ReadFull(conn, buf[:4]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxFrameSize {
		return nil, errkind.New(errkind.TransientIO, "frame of %d bytes exceeds max %d", length, maxFrameSize)
	}
	if uint32(len(buf)) < length {
		buf = make([]byte, length)
	}
	if _, err := io.ReadFull(conn, buf[:length]); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, buf[:length])
	return out, nil
}

// WriteMessage encodes and frames m onto conn.
func WriteMessage(conn net.Conn, m *Message) error {
	return WriteFrame(conn, Encode(m))
}

// ReadMessage reads and decodes a single Message from conn, reusing buf.
// The returned []byte is the (possibly grown) buffer callers should pass
// back in on their next call, so a connection's read buffer only grows to
// its largest-ever frame instead of reallocating every call.
func ReadMessage(conn net.Conn, buf []byte) (*Message, []byte, error) {
	payload, err := ReadFrame(conn, buf)
	if err != nil {
		return nil, buf, err
	}
	m, err := Decode(payload)
	if uint32(len(buf)) < uint32(len(payload)) {
		buf = payload
	}
	return m, buf, err
}
