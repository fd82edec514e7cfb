//go:build linux

package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/canbridge/internal/protocol/frame"
	"github.com/rbmk-project/common/errclass"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// readRetryDelay paces the receive task while the interface reports errors
// (ENETDOWN while the link is down, ENOBUFS under load).
const readRetryDelay = 100 * time.Millisecond

// SocketCAN drives a Linux CAN interface through a raw AF_CAN socket.
type SocketCAN struct {
	ifname string
	logger zerolog.Logger

	mu      sync.Mutex
	handler Handler
	file    *os.File
	done    chan struct{}
	wg      sync.WaitGroup

	readErrors atomic.Uint64
}

var _ Interface = (*SocketCAN)(nil)

func NewSocketCAN(ifname string, logger zerolog.Logger) *SocketCAN {
	return &SocketCAN{
		ifname: ifname,
		logger: logger.With().Str("bus", DriverSocketCAN).Str("ifname", ifname).Logger(),
	}
}

func (s *SocketCAN) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *SocketCAN) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}

	ifi, err := net.InterfaceByName(s.ifname)
	if err != nil {
		return fmt.Errorf("bus: socketcan interface %s: %w", s.ifname, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("bus: socketcan socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("bus: socketcan bind %s: %w", s.ifname, err)
	}

	// A non-blocking fd becomes pollable, so Close unblocks Read and write
	// deadlines work.
	s.attachLocked(ctx, os.NewFile(uintptr(fd), "can:"+s.ifname))
	s.logger.Info().Int("ifindex", ifi.Index).Msg("socketcan started")
	return nil
}

// attachLocked installs file as the socket and starts the receive task.
func (s *SocketCAN) attachLocked(ctx context.Context, file *os.File) {
	s.file = file
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.readLoop(ctx, file, s.done)
}

// ReadErrors counts receive errors the driver recovered from.
func (s *SocketCAN) ReadErrors() uint64 { return s.readErrors.Load() }

func (s *SocketCAN) Stop() error {
	s.mu.Lock()
	file := s.file
	done := s.done
	s.file = nil
	s.done = nil
	s.mu.Unlock()
	if file == nil {
		return nil
	}
	close(done)
	err := file.Close()
	s.wg.Wait()
	s.logger.Info().Msg("socketcan stopped")
	return err
}

func (s *SocketCAN) Send(ctx context.Context, f frame.Frame, timeout time.Duration) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	file := s.file
	s.mu.Unlock()
	if file == nil {
		return ErrClosed
	}

	if timeout > 0 {
		_ = file.SetWriteDeadline(time.Now().Add(timeout))
	} else {
		_ = file.SetWriteDeadline(time.Time{})
	}
	raw := marshalCANFrame(f)
	if _, err := file.Write(raw[:]); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrBusTimeout, s.ifname)
		}
		return fmt.Errorf("bus: socketcan write: %w", err)
	}
	return nil
}

// readLoop ends only when the socket is closed or ctx is done. Other read
// errors are logged and retried after readRetryDelay.
func (s *SocketCAN) readLoop(ctx context.Context, file *os.File, done <-chan struct{}) {
	defer s.wg.Done()
	buf := make([]byte, canFrameSize)
	var lastErr string
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := file.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			s.readErrors.Add(1)
			class := errclass.New(err)
			if class != lastErr {
				s.logger.Warn().Err(err).Str("err_class", class).Msg("socketcan read failed, retrying")
				lastErr = class
			} else {
				s.logger.Debug().Err(err).Str("err_class", class).Msg("socketcan read failed, retrying")
			}
			if !pause(ctx, done, readRetryDelay) {
				return
			}
			continue
		}
		if lastErr != "" {
			s.logger.Info().Str("err_class", lastErr).Msg("socketcan receive recovered")
			lastErr = ""
		}
		f, ok, err := unmarshalCANFrame(buf[:n])
		if err != nil {
			s.logger.Warn().Err(err).Msg("socketcan frame rejected")
			continue
		}
		if !ok {
			continue
		}
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(f)
		}
	}
}

func pause(ctx context.Context, done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
