package ipchannel

import (
	"fmt"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// addrWatcher watches for local IPv4/IPv6 address changes using the
// generic rtnetlink address-notification groups. The teacher used
// mdlayher/netlink to carry an L2TP-specific kernel datapath protocol
// (genetlink); this package has no kernel datapath, so the same library is
// repurposed for its more ordinary use: listening on NETLINK_ROUTE for
// RTM_NEWADDR/RTM_DELADDR so the channel master can re-send DEV_REGISTER
// when the interface it is bound to gets a new address (spec.md §4.5).
const (
	rtmGroupIPv4Ifaddr = 0x10
	rtmGroupIPv6Ifaddr = 0x100

	rtmNewaddr = 20
	rtmDeladdr = 21
)

type addrWatcher struct {
	conn   *netlink.Conn
	logger log.Logger
}

// newAddrWatcher opens a route-netlink socket joined to the IPv4 and IPv6
// address-change multicast groups.
func newAddrWatcher(logger log.Logger) (*addrWatcher, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{
		Groups: rtmGroupIPv4Ifaddr | rtmGroupIPv6Ifaddr,
	})
	if err != nil {
		return nil, fmt.Errorf("dial route netlink: %w", err)
	}
	return &addrWatcher{conn: conn, logger: log.With(logger, "component", "ifwatch")}, nil
}

// Run delivers onChange whenever an address-change notification arrives,
// until stop is closed.
func (w *addrWatcher) Run(stop <-chan struct{}, onChange func()) error {
	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
		w.conn.Close()
	}()

	for {
		msgs, err := w.conn.Receive()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				return fmt.Errorf("receive: %w", err)
			}
		}
		for _, m := range msgs {
			if isAddrChangeMessage(uint16(m.Header.Type)) {
				level.Debug(w.logger).Log("msg", "local address change detected")
				onChange()
			}
		}
	}
}

func isAddrChangeMessage(t uint16) bool {
	return t == rtmNewaddr || t == rtmDeladdr
}

// Close releases the underlying netlink socket.
func (w *addrWatcher) Close() error {
	return w.conn.Close()
}
