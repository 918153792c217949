package tunnel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// Establishment protocol: newline-delimited JSON on the tunnel stream.
// - client -> proxy: settings, connect-udp
// - proxy -> client: settings, then tunnel-ok or tunnel-error
//
// QUIC provides reliability and ordering within the stream, so line framing
// via bufio.Scanner is all the parsing this needs.

type MessageType string

const (
	TypeSettings    MessageType = "settings"
	TypeConnectUDP  MessageType = "connect-udp"
	TypeTunnelOK    MessageType = "tunnel-ok"
	TypeTunnelError MessageType = "tunnel-error"
)

type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`

	// settings
	MaxDatagramSize int `json:"max_datagram_size,omitempty"`

	// connect-udp
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Path      string `json:"path,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// tunnel-ok / tunnel-error
	AckID     string `json:"ack_id,omitempty"`
	ContextID uint64 `json:"context_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectPath renders the well-known template for a connect-udp target.
// It travels in the request for the proxy to log and cross-check.
func ConnectPath(host string, port int) string {
	return fmt.Sprintf("/.well-known/masque/udp/%s/%d/", host, port)
}

func WriteLine(w io.Writer, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

type LineReader struct{ s *bufio.Scanner }

func NewLineReader(r io.Reader) *LineReader {
	s := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	// Allow up to 1 MiB per control line so Scanner never rejects a message.
	// Establishment messages are tiny; this only guards against accidents.
	s.Buffer(buf, 1024*1024)
	return &LineReader{s: s}
}

func (lr *LineReader) Next() (Message, bool, error) {
	if !lr.s.Scan() {
		if err := lr.s.Err(); err != nil {
			return Message{}, false, err
		}
		return Message{}, false, nil
	}
	var msg Message
	if err := json.Unmarshal(lr.s.Bytes(), &msg); err != nil {
		return Message{}, true, fmt.Errorf("bad tunnel message: %w", err)
	}
	return msg, true, nil
}
