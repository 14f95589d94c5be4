package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"

	"github.com/poolshare/aggregator/internal/util"
)

// ZMQBus binds the ingest-channel contract to a ZeroMQ SUB socket, with a
// PAIR-socket monitor tracking connect/disconnect events for IsAlive.
type ZMQBus struct {
	addr  string
	topic string

	mu    sync.Mutex
	sub   *zmq4.Socket
	mon   *zmq4.Socket
	alive atomic.Bool

	monStop chan struct{}
	monDone chan struct{}
}

// NewZMQBus returns a ZMQBus that will SUB to addr, filtered to topic
// (empty topic subscribes to everything).
func NewZMQBus(addr, topic string) *ZMQBus {
	return &ZMQBus{addr: addr, topic: topic}
}

// Setup connects the SUB socket and starts its monitor. offset is
// accepted but has no effect: ZeroMQ PUB/SUB has no replay or committed
// position, so consumption always starts from whatever the publisher
// sends after the subscription takes effect.
func (z *ZMQBus) Setup(offset Offset) error {
	z.mu.Lock()
	defer z.mu.Unlock()

	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("bus: new sub socket: %w", err)
	}
	if err := sub.SetLinger(0); err != nil {
		sub.Close()
		return err
	}
	if err := sub.SetSubscribe(z.topic); err != nil {
		sub.Close()
		return fmt.Errorf("bus: subscribe %q: %w", z.topic, err)
	}
	if err := sub.SetRcvtimeo(200 * time.Millisecond); err != nil {
		sub.Close()
		return err
	}

	mon, err := z.startMonitor(sub)
	if err != nil {
		sub.Close()
		return err
	}

	if err := sub.Connect(z.addr); err != nil {
		mon.Close()
		sub.Close()
		return fmt.Errorf("bus: connect %s: %w", z.addr, err)
	}

	z.sub = sub
	z.mon = mon
	z.alive.Store(true)
	return nil
}

func (z *ZMQBus) startMonitor(sub *zmq4.Socket) (*zmq4.Socket, error) {
	addr := fmt.Sprintf("inproc://shareagg.bus.monitor.%p", sub)
	events := zmq4.EVENT_CONNECTED | zmq4.EVENT_DISCONNECTED | zmq4.EVENT_CLOSED | zmq4.EVENT_MONITOR_STOPPED
	if err := sub.Monitor(addr, events); err != nil {
		return nil, err
	}

	mon, err := zmq4.NewSocket(zmq4.PAIR)
	if err != nil {
		return nil, err
	}
	_ = mon.SetLinger(0)
	_ = mon.SetRcvtimeo(time.Second)
	if err := mon.Connect(addr); err != nil {
		mon.Close()
		return nil, err
	}

	z.monStop = make(chan struct{})
	z.monDone = make(chan struct{})
	go z.monitorLoop(mon)
	return mon, nil
}

func (z *ZMQBus) monitorLoop(mon *zmq4.Socket) {
	defer close(z.monDone)
	for {
		select {
		case <-z.monStop:
			return
		default:
		}
		ev, _, _, err := mon.RecvEvent(0)
		if err != nil {
			eno := zmq4.AsErrno(err)
			if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
				continue
			}
			return
		}
		switch ev {
		case zmq4.EVENT_CONNECTED:
			z.alive.Store(true)
		case zmq4.EVENT_DISCONNECTED, zmq4.EVENT_CLOSED, zmq4.EVENT_MONITOR_STOPPED:
			z.alive.Store(false)
			util.Warnf("bus: zmq disconnected from %s", z.addr)
		}
	}
}

// Consume blocks up to timeout for one message.
func (z *ZMQBus) Consume(timeout time.Duration) (Message, error) {
	z.mu.Lock()
	sub := z.sub
	z.mu.Unlock()
	if sub == nil {
		return Message{}, fmt.Errorf("bus: Consume called before Setup")
	}

	if err := sub.SetRcvtimeo(timeout); err != nil {
		return Message{}, err
	}
	frames, err := sub.RecvMessageBytes(0)
	if err != nil {
		eno := zmq4.AsErrno(err)
		if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
			return Message{}, ErrTimeout
		}
		return Message{}, fmt.Errorf("bus: recv: %w", err)
	}
	if len(frames) < 2 {
		return Message{}, ErrEndOfStream
	}
	return Message{Topic: string(frames[0]), Payload: frames[1]}, nil
}

// IsAlive reports the monitor's last-seen connection state.
func (z *ZMQBus) IsAlive() bool { return z.alive.Load() }

func (z *ZMQBus) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.monStop != nil {
		close(z.monStop)
		<-z.monDone
	}
	if z.mon != nil {
		z.mon.Close()
	}
	if z.sub != nil {
		return z.sub.Close()
	}
	return nil
}
