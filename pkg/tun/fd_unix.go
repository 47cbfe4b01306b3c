//go:build unix

package tun

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/irctrakz/tunshield/pkg/core"
)

// FDDescriptor is a Descriptor over a raw, caller-owned file descriptor.
// It never closes the descriptor.
type FDDescriptor struct {
	fd int
}

// NewFDDescriptor switches fd to non-blocking mode and wraps it.
func NewFDDescriptor(fd int) (*FDDescriptor, error) {
	if fd < 0 {
		return nil, fmt.Errorf("invalid descriptor %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set nonblock: %w", err)
	}
	return &FDDescriptor{fd: fd}, nil
}

// FD returns the underlying descriptor.
func (d *FDDescriptor) FD() int { return d.fd }

// WaitReadable polls for POLLIN. Error and hangup conditions count as
// readable so the next Read reports them.
func (d *FDDescriptor) WaitReadable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}
		return false, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	return fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0, nil
}

// Read performs one non-blocking read.
func (d *FDDescriptor) Read(p []byte) (int, error) {
	n, err := unix.Read(d.fd, p)
	switch {
	case err == nil && n == 0:
		return 0, io.EOF
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, core.ErrWouldBlock
	default:
		return 0, err
	}
}

// Write writes one packet.
func (d *FDDescriptor) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(d.fd, p)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			if _, werr := d.waitWritable(PollInterval); werr != nil {
				return 0, werr
			}
			continue
		}
		return n, err
	}
}

func (d *FDDescriptor) waitWritable(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil && !errors.Is(err, unix.EINTR) {
		return false, err
	}
	return n > 0, nil
}

// dupCloseOnExec duplicates fd so a wrapper can own and close its copy
// without touching the caller's descriptor.
func dupCloseOnExec(fd int) (int, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}
