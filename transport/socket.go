package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	httperrors "github.com/nczempin/pkihttp/errors"
)

// resolve looks up host, bounded by deadline. IP literals skip DNS.
func resolve(host string, deadline time.Time) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ctx := context.Background()
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, httperrors.NewConnectError(httperrors.TransportErrorTimeout, "timed out resolving "+host, err)
		}
		return nil, httperrors.NewConnectError(httperrors.TransportErrorDnsFailure, "failed to resolve "+host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

func sockaddr(ip net.IP, port uint16) (int, unix.Sockaddr) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

// dialTCP returns a connected, non-blocking TCP socket.
func dialTCP(host string, port uint16, deadline time.Time) (int, error) {
	ips, err := resolve(host, deadline)
	if err != nil {
		return -1, err
	}

	var lastErr error
	for _, ip := range ips {
		family, sa := sockaddr(ip, port)
		fd, err := connectSocket(family, sa, deadline)
		if err != nil {
			lastErr = err
			if httperrors.IsTimeout(err) {
				break
			}
			continue
		}
		// Set TCP_NODELAY
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(fd)
			return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to set TCP_NODELAY", err)
		}
		return fd, nil
	}
	if lastErr == nil {
		lastErr = httperrors.NewConnectError(httperrors.TransportErrorDnsFailure, "no addresses for "+host, nil)
	}
	return -1, lastErr
}

// connectSocket creates a non-blocking socket and connects it to sa,
// waiting for completion until deadline.
func connectSocket(family int, sa unix.Sockaddr, deadline time.Time) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to create socket", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketCreateFailure, "failed to set non-blocking mode", err)
	}

	err = unix.Connect(fd, sa)
	for err == unix.EINTR {
		err = unix.Connect(fd, sa)
	}
	switch err {
	case nil:
		return fd, nil
	case unix.EINPROGRESS, unix.EALREADY:
	default:
		unix.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "connect failed", err)
	}

	if err := pollFd(fd, unix.POLLOUT, deadline); err != nil {
		unix.Close(fd)
		if httperrors.IsTimeout(err) {
			return -1, httperrors.NewConnectError(httperrors.TransportErrorTimeout, "timed out connecting", err)
		}
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "connect failed", err)
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err != nil {
		unix.Close(fd)
		return -1, httperrors.NewConnectError(httperrors.TransportErrorSocketConnectFailure, "connect failed", err)
	}
	return fd, nil
}

// pollFd waits for events on fd. A zero deadline waits indefinitely.
// Error conditions on the socket count as ready so that the following
// read or write reports them.
func pollFd(fd int, events int16, deadline time.Time) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		timeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return httperrors.NewTimeoutError("deadline exceeded while polling")
			}
			timeout = int((remaining + time.Millisecond - 1) / time.Millisecond)
		}

		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return httperrors.NewTransportError(httperrors.TransportErrorWaitFailure, "poll failed", err)
		}
		if n > 0 && fds[0].Revents != 0 {
			return nil
		}
	}
}
