package tunnel

// Addr is the synthetic address of a tunneled peer. Inner packets travel as
// datagrams on the proxy connection, so no routable UDP address exists; the
// string is the logical host:port the tunnel points at.
type Addr string

func (a Addr) Network() string { return "udp" }
func (a Addr) String() string  { return string(a) }
