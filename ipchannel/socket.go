package ipchannel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// channelSocket is a raw, non-blocking UDP socket shared across every peer
// on a channel, modeled directly on the teacher's l2tpControlPlane: one fd,
// wrapped in an os.File for deadline support, driven through its
// syscall.RawConn for the actual Recvfrom/Sendto pairs. Unlike a tunnel's
// point-to-point control plane, a channel socket is never connected to a
// single peer -- every send names its destination explicitly, and receives
// return the sender's address so the link multiplexer can dispatch it.
type channelSocket struct {
	local *net.UDPAddr
	fd    int
	file  *os.File
	rc    syscall.RawConn
}

func ipAddrLen(addr *net.IP) uint {
	switch {
	case addr == nil:
		return 0
	case addr.To4() != nil:
		return 4
	case addr.To16() != nil:
		return 16
	default:
		panic("unexpected IP address length")
	}
}

func resolveLocalAddr(localAddr string) (*net.UDPAddr, error) {
	ul, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %v: %v", localAddr, err)
	}
	return ul, nil
}

func unixToNetAddr(addr unix.Sockaddr) (*net.UDPAddr, error) {
	if addr != nil {
		if sa4, ok := addr.(*unix.SockaddrInet4); ok {
			return &net.UDPAddr{
				IP:   net.IP{sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3]},
				Port: sa4.Port,
			}, nil
		}
		if sa6, ok := addr.(*unix.SockaddrInet6); ok {
			return &net.UDPAddr{
				IP: net.IP{
					sa6.Addr[0], sa6.Addr[1], sa6.Addr[2], sa6.Addr[3],
					sa6.Addr[4], sa6.Addr[5], sa6.Addr[6], sa6.Addr[7],
					sa6.Addr[8], sa6.Addr[9], sa6.Addr[10], sa6.Addr[11],
					sa6.Addr[12], sa6.Addr[13], sa6.Addr[14], sa6.Addr[15],
				},
				Port: sa6.Port,
			}, nil
		}
	}
	return nil, errors.New("unhandled address family")
}

func netAddrToUnix(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if addr != nil {
		if b := addr.IP.To4(); b != nil {
			return &unix.SockaddrInet4{Port: addr.Port, Addr: [4]byte{b[0], b[1], b[2], b[3]}}, nil
		}
		if b := addr.IP.To16(); b != nil {
			var a [16]byte
			copy(a[:], b)
			return &unix.SockaddrInet6{Port: addr.Port, Addr: a}, nil
		}
	}
	return nil, errors.New("unhandled address family")
}

func newRawSocket(family int) (fd int, err error) {
	fd, err = unix.Socket(family, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %v", err)
	}

	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("failed to set socket nonblocking: %v", err)
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_REUSEADDR: %v", err)
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_GETFD): %v", err)
	}
	if _, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags|unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("fcntl(F_SETFD, FD_CLOEXEC): %v", err)
	}

	return fd, nil
}

// newChannelSocket binds a shared, non-blocking UDP socket for a channel.
func newChannelSocket(localAddr string) (*channelSocket, error) {
	local, err := resolveLocalAddr(localAddr)
	if err != nil {
		return nil, err
	}

	family := unix.AF_INET
	if ipAddrLen(&local.IP) == 16 {
		family = unix.AF_INET6
	}

	fd, err := newRawSocket(family)
	if err != nil {
		return nil, err
	}

	sa, err := netAddrToUnix(local)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %v: %v", local, err)
	}

	if bound, err := unix.Getsockname(fd); err == nil {
		if addr, err := unixToNetAddr(bound); err == nil {
			local = addr
		}
	}

	file := os.NewFile(uintptr(fd), "ipchannel")
	rc, err := file.SyscallConn()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &channelSocket{local: local, fd: fd, file: file, rc: rc}, nil
}

// JoinMulticast joins the socket to a multicast group on the named
// interface (or the default interface if ifaceName is empty), used when a
// channel is configured to receive membership announcements via multicast
// rather than point-to-point unicast.
func (s *channelSocket) JoinMulticast(group net.IP, ifaceName string) error {
	var ifIndex int
	if ifaceName != "" {
		iface, err := net.InterfaceByName(ifaceName)
		if err != nil {
			return fmt.Errorf("interface %v: %v", ifaceName, err)
		}
		ifIndex = iface.Index
	}

	if b := group.To4(); b != nil {
		mreq := &unix.IPMreqn{
			Multiaddr: [4]byte{b[0], b[1], b[2], b[3]},
			Ifindex:   int32(ifIndex),
		}
		return unix.SetsockoptIPMreqn(s.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}

	b16 := group.To16()
	if b16 == nil {
		return errors.New("invalid multicast group address")
	}
	var mreq unix.IPv6Mreq
	copy(mreq.Multiaddr[:], b16)
	mreq.Interface = uint32(ifIndex)
	return unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, &mreq)
}

// SetTOS sets the IP_TOS socket option, used to mark control traffic for
// preferential queueing on congested links.
func (s *channelSocket) SetTOS(tos int) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
}

// LocalAddr returns the address the socket is bound to.
func (s *channelSocket) LocalAddr() *net.UDPAddr {
	return s.local
}

// RecvFrom reads one datagram and the address it arrived from.
func (s *channelSocket) RecvFrom(p []byte) (n int, from *net.UDPAddr, err error) {
	var sa unix.Sockaddr
	cerr := s.rc.Read(func(fd uintptr) bool {
		n, sa, err = unix.Recvfrom(int(fd), p, unix.MSG_NOSIGNAL)
		return err != unix.EAGAIN && err != unix.EWOULDBLOCK
	})
	if err != nil {
		return n, nil, err
	}
	if cerr != nil {
		return n, nil, cerr
	}
	from, err = unixToNetAddr(sa)
	if err != nil {
		return n, nil, err
	}
	return n, from, nil
}

// SendTo writes one datagram to addr.
func (s *channelSocket) SendTo(p []byte, addr *net.UDPAddr) error {
	sa, err := netAddrToUnix(addr)
	if err != nil {
		return err
	}
	var sendErr error
	cerr := s.rc.Write(func(fd uintptr) bool {
		sendErr = unix.Sendto(int(fd), p, unix.MSG_NOSIGNAL, sa)
		return sendErr != unix.EAGAIN && sendErr != unix.EWOULDBLOCK
	})
	if sendErr != nil {
		return sendErr
	}
	return cerr
}

// SetReadDeadline bounds how long RecvFrom blocks, so the receive worker
// can periodically check for shutdown even with no traffic arriving.
func (s *channelSocket) SetReadDeadline(t time.Time) error {
	return s.file.SetReadDeadline(t)
}

// Close releases the underlying file descriptor.
func (s *channelSocket) Close() error {
	return s.file.Close()
}
