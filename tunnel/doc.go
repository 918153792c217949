// Package tunnel implements the UDP-tunneling layer spoken between the
// session pool and a QUIC proxy.
//
// A tunnel rides on one bidirectional stream of the proxy connection:
//   - The stream itself carries the establishment exchange (newline JSON):
//     the client sends "settings" and a "connect-udp" request naming the
//     endpoint host:port, the proxy answers "settings" and either
//     "tunnel-ok" with a context identifier or "tunnel-error".
//   - Once established, the endpoint's packets travel as unreliable QUIC
//     datagrams on the proxy connection, each prefixed with the stream's
//     quarter-stream-id and the tunnel's context id (both variable-length
//     integers).
//
// PacketConn adapts that datagram flow to net.PacketConn so an inner QUIC
// connection can be dialed straight through the tunnel: the inner engine
// believes it is talking to the endpoint address while every packet is in
// fact encapsulated on the proxy connection.
//
// The package also owns the datagram size budget: how large an inner packet
// may be once every layer of framing has taken its cut.
package tunnel
