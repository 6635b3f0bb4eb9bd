package upstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// dialSocks4 opens a TCP connection through a SOCKS4 proxy. SOCKS4 has no
// library support worth importing: the CONNECT handshake is a fixed 9-byte
// request and an 8-byte reply.
func dialSocks4(ctx context.Context, proxyAddr, target string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("socks4 target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("socks4 target port %q: %w", portStr, err)
	}

	// SOCKS4 addresses are IPv4 only; resolve on the client side.
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("socks4 resolve %q: %w", host, err)
	}
	ip4 := ips[0].To4()
	if ip4 == nil {
		return nil, fmt.Errorf("socks4: no IPv4 address for %q", host)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks4 dial proxy: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}

	req := make([]byte, 0, 9)
	req = append(req, 0x04, 0x01)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip4...)
	req = append(req, 0x00) // empty user id

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 handshake write: %w", err)
	}

	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4 handshake read: %w", err)
	}
	if reply[1] != 0x5a {
		conn.Close()
		return nil, fmt.Errorf("socks4 request rejected: code 0x%02x", reply[1])
	}

	conn.SetDeadline(time.Time{}) //nolint:errcheck
	return conn, nil
}
