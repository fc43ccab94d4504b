package fork

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// dispatcher answers worker requests with consecutive event ranges and
// tracks worker liveness through the watchdog pipes. It runs until every
// watchdog pipe has closed.
type dispatcher struct {
	socks  []int
	pipes  []int
	alive  int
	next   MessageForSource
	logger *zap.Logger

	mu       sync.Mutex
	assigned []MessageForSource
}

func newDispatcher(socks, pipes []int, eventsPerChild uint64, logger *zap.Logger) *dispatcher {
	return &dispatcher{
		socks:  append([]int(nil), socks...),
		pipes:  append([]int(nil), pipes...),
		alive:  len(pipes),
		next:   MessageForSource{StartIndex: 0, NIndices: eventsPerChild},
		logger: logger,
	}
}

type pollTarget struct {
	child  int
	isPipe bool
}

func (d *dispatcher) run() {
	d.logger.Info("I am controller")
	var (
		fds     []unix.PollFd
		targets []pollTarget
	)
	for d.alive > 0 {
		fds, targets = fds[:0], targets[:0]
		for i := range d.socks {
			if d.socks[i] >= 0 {
				fds = append(fds, unix.PollFd{Fd: int32(d.socks[i]), Events: unix.POLLIN})
				targets = append(targets, pollTarget{child: i})
			}
			if d.pipes[i] >= 0 {
				fds = append(fds, unix.PollFd{Fd: int32(d.pipes[i]), Events: unix.POLLIN})
				targets = append(targets, pollTarget{child: i, isPipe: true})
			}
		}

		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			d.logger.Error("poll failed, abandoning the workers", zap.Error(err))
			d.closeAll()
			return
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			t := targets[i]
			if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				d.logger.Info("Error on descriptor", zap.Int32("fd", pfd.Fd), zap.Int("child", t.child))
				if t.isPipe {
					d.closePipe(t.child)
				} else {
					d.closeSock(t.child)
				}
				continue
			}
			if t.isPipe {
				d.drainPipe(t.child)
			} else {
				d.serve(t.child, pfd.Revents)
			}
		}
	}
}

// drainPipe reads one probe byte. End of file means the worker is gone.
func (d *dispatcher) drainPipe(child int) {
	fd := d.pipes[child]
	if fd < 0 {
		return
	}
	var buf [1]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil || n <= 0 {
			d.closePipe(child)
			return
		}
		d.logger.Debug("Watchdog probe from worker", zap.Int("child", child))
		return
	}
}

func (d *dispatcher) serve(child int, revents int16) {
	fd := d.socks[child]
	if fd < 0 {
		return
	}
	if revents&unix.POLLIN == 0 {
		// hang-up without data
		d.closeSock(child)
		return
	}

	buf := make([]byte, MessageForParent{}.SizeForBuffer())
	for {
		_, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			d.closeSock(child)
			return
		}
		break
	}

	reply, _ := d.next.MarshalBinary()
	for {
		_, err := unix.Write(fd, reply)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// the worker died; reaping reports why
			d.closeSock(child)
			return
		}
		break
	}

	d.mu.Lock()
	d.assigned = append(d.assigned, d.next)
	d.mu.Unlock()
	d.next = d.next.next()
}

func (d *dispatcher) closePipe(child int) {
	if d.pipes[child] < 0 {
		return
	}
	_ = unix.Close(d.pipes[child])
	d.pipes[child] = -1
	d.alive--
	d.closeSock(child)
}

func (d *dispatcher) closeSock(child int) {
	if d.socks[child] < 0 {
		return
	}
	_ = unix.Close(d.socks[child])
	d.socks[child] = -1
}

func (d *dispatcher) closeAll() {
	for i := range d.pipes {
		d.closePipe(i)
	}
}

// openFDs counts descriptors still held. Only valid once run returned.
func (d *dispatcher) openFDs() int {
	n := 0
	for i := range d.socks {
		if d.socks[i] >= 0 {
			n++
		}
		if d.pipes[i] >= 0 {
			n++
		}
	}
	return n
}

func (d *dispatcher) assignments() []MessageForSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MessageForSource(nil), d.assigned...)
}
