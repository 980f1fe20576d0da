package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnHandler serves one accepted connection. The listener closes the
// connection when the handler returns.
type ConnHandler func(conn net.Conn)

// TCPListener accepts control plane connections.
type TCPListener struct {
	listener net.Listener
	handler  ConnHandler
	clients  map[string]net.Conn
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPListener listens on listenAddr and serves every connection with
// handler on its own goroutine.
func NewTCPListener(listenAddr string, handler ConnHandler) (*TCPListener, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &TCPListener{
		listener: listener,
		handler:  handler,
		clients:  make(map[string]net.Conn),
		ctx:      ctx,
		cancel:   cancel,
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewTCPListener",
		"local_addr": listener.Addr().String(),
	}).Info("TCP listener started")

	l.wg.Add(1)
	go l.acceptConnections()

	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// ClientCount returns the number of connections being served.
func (l *TCPListener) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close stops accepting, closes every client connection and waits for
// the handlers to return.
func (l *TCPListener) Close() error {
	l.cancel()
	err := l.listener.Close()

	l.mu.Lock()
	for _, conn := range l.clients {
		conn.Close()
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}

// acceptConnections handles incoming connections.
func (l *TCPListener) acceptConnections() {
	defer l.wg.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "TCPListener.acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// handleConnection runs the handler for a single TCP connection.
func (l *TCPListener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()

	addr := conn.RemoteAddr()
	if !l.registerClient(addr, conn) {
		return
	}
	defer l.unregisterClient(addr)

	logrus.WithFields(logrus.Fields{
		"function": "TCPListener.handleConnection",
		"remote":   addr.String(),
	}).Debug("Accepted connection")

	l.handler(conn)
}

// registerClient tracks conn unless the listener is shutting down.
func (l *TCPListener) registerClient(addr net.Addr, conn net.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return false
	}
	l.clients[addr.String()] = conn
	return true
}

// unregisterClient removes a client connection from the listener.
func (l *TCPListener) unregisterClient(addr net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, addr.String())
}

// DialTCP connects to a control plane server.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
