package main

import (
	"bufio"
	"context"

	"github.com/quic-go/quic-go"
)

// echoLines writes every received line back unchanged.
func echoLines(st quic.Stream) {
	defer st.Close()

	r := bufio.NewReader(st)
	w := bufio.NewWriter(st)
	defer w.Flush()

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		if _, err := w.WriteString(line); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// echoDatagrams bounces datagrams back to the sender.
func echoDatagrams(conn quic.Connection) {
	for {
		b, err := conn.ReceiveDatagram(context.Background())
		if err != nil {
			return
		}
		if err := conn.SendDatagram(b); err != nil {
			return
		}
	}
}
