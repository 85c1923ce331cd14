package ports

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Constants from linux headers.
const (
	// Netlink family for socket diagnostics.
	NETLINK_SOCK_DIAG = 4

	// Message type: request sockets by family.
	SOCK_DIAG_BY_FAMILY = 20

	IPPROTO_TCP = 6
	IPPROTO_UDP = 17

	// TCP socket states from include/net/tcp_states.h, a bound UDP socket
	// without a peer is in TCP_CLOSE.
	TCP_CLOSE  = 7
	TCP_LISTEN = 10

	// inet_diag_req_v2 idiag_states bitmask
	TCPF_CLOSE  = 1 << TCP_CLOSE
	TCPF_LISTEN = 1 << TCP_LISTEN

	// offset of idiag_sport and idiag_src in inet_diag_msg
	sportOffset = 4
	srcOffset   = 8
	// size of inet_diag_msg
	diagMsgLen = 72
)

// inet_diag_req_v2 structure (from linux/inet_diag.h).
type inetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	ID       inetDiagSockID
}

type inetDiagSockID struct {
	SPort  [2]byte
	DPort  [2]byte
	Src    [16]byte
	Dst    [16]byte
	If     uint32
	Cookie [2]uint32
}

// Sockets dumps listening TCP and bound UDP sockets directly from the kernel
// via the netlink interface.
func Sockets() ([]Socket, error) {
	queries := []struct {
		proto  string
		ipv6   bool
		number uint8
		states uint32
	}{
		{"tcp", false, IPPROTO_TCP, TCPF_LISTEN},
		{"tcp", true, IPPROTO_TCP, TCPF_LISTEN},
		{"udp", false, IPPROTO_UDP, TCPF_CLOSE},
		{"udp", true, IPPROTO_UDP, TCPF_CLOSE},
	}

	c, err := netlink.Dial(NETLINK_SOCK_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer func() {
		_ = c.Close() //nolint errcheck
	}()

	var ret []Socket
	for _, q := range queries {
		addrs, err := ss(c, q.ipv6, q.number, q.states)
		if err != nil {
			return nil, fmt.Errorf("dump %s sockets (ipv6=%t): %w", q.proto, q.ipv6, err)
		}
		for _, a := range addrs {
			ret = append(ret, Socket{Proto: q.proto, Addr: a})
		}
	}
	return ret, nil
}

func ss(c *netlink.Conn, ipv6 bool, proto uint8, states uint32) ([]netip.AddrPort, error) {
	var family uint8 = unix.AF_INET
	var iplen = 4
	if ipv6 {
		family = unix.AF_INET6
		iplen = 16
	}

	// ID is zeroed: wildcard (match all).
	req := inetDiagReqV2{
		Family:   family,
		Protocol: proto,
		States:   states,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal req: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  SOCK_DIAG_BY_FAMILY,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	ret := make([]netip.AddrPort, 0, len(msgs))
	for _, m := range msgs {
		if m.Header.Type == netlink.Done || len(m.Data) < diagMsgLen {
			continue
		}
		sport := binary.BigEndian.Uint16(m.Data[sportOffset : sportOffset+2])
		addr, ok := netip.AddrFromSlice(m.Data[srcOffset : srcOffset+iplen])
		if !ok {
			return nil, fmt.Errorf("invalid IP % x", m.Data[srcOffset:srcOffset+iplen])
		}
		ret = append(ret, netip.AddrPortFrom(addr, sport))
	}
	return ret, nil
}
