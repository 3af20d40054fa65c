package probe

import (
	"context"
	"net"
	"strconv"
	"time"
)

const DefaultTCPTimeout = 2 * time.Second

// TCPProbe is ready when a TCP connect to Host:Port completes.
type TCPProbe struct {
	Host    string // localhost when empty
	Port    int
	Timeout time.Duration
}

func (p TCPProbe) addr() string {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func (p TCPProbe) Check(ctx context.Context) error {
	ctx, cancel := attemptContext(ctx, p.Timeout, DefaultTCPTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr())
	if err != nil {
		return notReady("dial %s: %v", p.addr(), err)
	}
	_ = conn.Close()
	return nil
}

func (p TCPProbe) Describe() string { return "tcp:" + p.addr() }
