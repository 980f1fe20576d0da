package server

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/confcore/cor"
	"github.com/opd-ai/confcore/limits"
	"github.com/opd-ai/confcore/media"
	"github.com/opd-ai/confcore/protocol"
	"github.com/opd-ai/confcore/transport"
	"github.com/sirupsen/logrus"
)

// ErrServerClosed is returned by Listen after Close.
var ErrServerClosed = errors.New("server closed")

// Observer receives control plane events. Implementations must be safe for
// concurrent use.
type Observer interface {
	SessionOpened()
	SessionClosed()
	ChannelsChanged(n int)
	ActionHandled(action string, status protocol.Status)
}

type nopObserver struct{}

func (nopObserver) SessionOpened()                        {}
func (nopObserver) SessionClosed()                        {}
func (nopObserver) ChannelsChanged(int)                   {}
func (nopObserver) ActionHandled(string, protocol.Status) {}

// TimeProvider abstracts time for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the system clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Options configures a Server. Zero limits disable the limit.
type Options struct {
	ConnectionLimit     int
	BandwidthReadLimit  uint64
	BandwidthWriteLimit uint64
	// ValidChannels restricts the channel ids clients may join. Empty
	// allows every id except 0.
	ValidChannels []uint32
	// Password is the global server password checked on "auth".
	Password string

	MaxBodySize uint32
	// HeartbeatTimeout closes sessions that sent no request for this long.
	// Zero disables the timeout.
	HeartbeatTimeout time.Duration

	Observer           Observer
	ConnectionObserver cor.Observer
	TimeProvider       TimeProvider
}

type channel struct {
	entity       protocol.ChannelEntity
	password     string
	participants map[uint32]struct{}
}

// Server is the conference control plane. It owns client sessions and
// channel membership and keeps the media relay's routing table in sync
// with them.
type Server struct {
	opts   Options
	relay  *media.Relay
	tokens *tokenIssuer

	mu           sync.Mutex
	nextClientID uint32
	sessions     map[uint32]*session
	channels     map[uint32]*channel
	mediaTokens  map[string]uint32
	startedAt    time.Time
	listener     *transport.TCPListener
	closed       bool
}

// New creates a server. relay may be nil for a server without media plane.
func New(opts Options, relay *media.Relay) (*Server, error) {
	if opts.MaxBodySize == 0 {
		opts.MaxBodySize = limits.MaxCORBody
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.TimeProvider == nil {
		opts.TimeProvider = DefaultTimeProvider{}
	}

	tokens, err := newTokenIssuer()
	if err != nil {
		return nil, fmt.Errorf("create token issuer: %w", err)
	}

	s := &Server{
		opts:        opts,
		relay:       relay,
		tokens:      tokens,
		sessions:    make(map[uint32]*session),
		channels:    make(map[uint32]*channel),
		mediaTokens: make(map[string]uint32),
		startedAt:   opts.TimeProvider.Now(),
	}
	if relay != nil {
		relay.SetTokenHandler(s.onMediaToken)
	}
	return s, nil
}

// Listen accepts control connections on addr in the background.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return errors.New("server already listening")
	}

	l, err := transport.NewTCPListener(addr, s.ServeConn)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Addr returns the listening address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops listening and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	l := s.listener
	s.listener = nil
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.conn.Close()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

// ServeConn runs one client session on conn until it ends. It satisfies
// transport.ConnHandler, and is usable directly with any net.Conn.
func (s *Server) ServeConn(conn net.Conn) {
	sess := s.openSession(conn)
	if sess == nil {
		conn.Close()
		return
	}
	sess.conn.Start()
	<-sess.conn.Done()
	s.closeSession(sess)
}

func (s *Server) openSession(conn net.Conn) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	s.nextClientID++
	sess := newSession(s, s.nextClientID, conn)
	s.sessions[sess.client.ID] = sess
	s.opts.Observer.SessionOpened()

	logrus.WithFields(logrus.Fields{
		"function":   "Server.openSession",
		"session_id": sess.id,
		"client_id":  sess.client.ID,
		"remote":     conn.RemoteAddr().String(),
	}).Info("New client connection")
	return sess
}

// closeSession removes every trace of sess and tells the remaining clients.
func (s *Server) closeSession(sess *session) {
	sess.stopHeartbeat()

	s.mu.Lock()
	delete(s.sessions, sess.client.ID)
	for id := range sess.channels {
		s.removeParticipantLocked(id, sess.client.ID)
	}
	for token, id := range s.mediaTokens {
		if id == sess.client.ID {
			delete(s.mediaTokens, token)
		}
	}

	var out []notification
	if sess.authenticated {
		body := mustRequest(protocol.NotifyClientDisconnected, protocol.ClientNotification{Client: sess.client})
		for _, other := range s.sessions {
			if other.authenticated {
				out = append(out, notification{to: other, body: body})
			}
		}
	}
	s.updateRecipientsLocked()
	s.mu.Unlock()

	s.send(out)
	s.opts.Observer.SessionClosed()

	logrus.WithFields(logrus.Fields{
		"function":   "Server.closeSession",
		"session_id": sess.id,
		"client_id":  sess.client.ID,
		"cause":      errString(sess.conn.Err()),
	}).Info("Client disconnected")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// notification is a server initiated request queued while holding mu and
// sent after releasing it.
type notification struct {
	to   *session
	body []byte
}

func (s *Server) send(out []notification) {
	for _, n := range out {
		if _, err := n.to.conn.SendRequest(n.body); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "Server.send",
				"session_id": n.to.id,
				"client_id":  n.to.client.ID,
				"error":      err.Error(),
			}).Debug("Failed to deliver notification")
		}
	}
}

func mustRequest(action string, params any) []byte {
	body, err := protocol.NewRequest(action, params)
	if err != nil {
		// Only protocol entity types are passed here.
		panic(fmt.Sprintf("encode %s: %v", action, err))
	}
	return body
}

// siblingsLocked returns the authenticated clients sharing at least one
// channel with clientID, excluding clientID.
func (s *Server) siblingsLocked(clientID uint32) []*session {
	sess, ok := s.sessions[clientID]
	if !ok {
		return nil
	}
	seen := make(map[uint32]struct{})
	var out []*session
	for chID := range sess.channels {
		ch, ok := s.channels[chID]
		if !ok {
			continue
		}
		for id := range ch.participants {
			if id == clientID {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if other, ok := s.sessions[id]; ok {
				out = append(out, other)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].client.ID < out[j].client.ID })
	return out
}

func (s *Server) channelAllowed(id uint32) bool {
	if id == 0 {
		return false
	}
	if len(s.opts.ValidChannels) == 0 {
		return true
	}
	for _, valid := range s.opts.ValidChannels {
		if valid == id {
			return true
		}
	}
	return false
}

// addParticipantLocked creates the channel on first join.
func (s *Server) addParticipantLocked(chID uint32, password string, sess *session) *channel {
	ch, ok := s.channels[chID]
	if !ok {
		ch = &channel{
			entity: protocol.ChannelEntity{
				ID:                  chID,
				IsPasswordProtected: password != "",
			},
			password:     password,
			participants: make(map[uint32]struct{}),
		}
		s.channels[chID] = ch
		s.opts.Observer.ChannelsChanged(len(s.channels))
	}
	ch.participants[sess.client.ID] = struct{}{}
	sess.channels[chID] = struct{}{}
	return ch
}

// removeParticipantLocked deletes the channel once it is empty.
func (s *Server) removeParticipantLocked(chID, clientID uint32) {
	ch, ok := s.channels[chID]
	if !ok {
		return
	}
	delete(ch.participants, clientID)
	if sess, ok := s.sessions[clientID]; ok {
		delete(sess.channels, chID)
	}
	if len(ch.participants) == 0 && !ch.entity.IsPersistent {
		delete(s.channels, chID)
		s.opts.Observer.ChannelsChanged(len(s.channels))
	}
}

func (s *Server) participantsLocked(ch *channel) []protocol.ClientEntity {
	out := make([]protocol.ClientEntity, 0, len(ch.participants))
	for id := range ch.participants {
		if sess, ok := s.sessions[id]; ok {
			out = append(out, sess.client)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// updateRecipientsLocked rebuilds the relay routing table: the video of a
// client with an authenticated media address and enabled video goes to the
// media addresses of its siblings.
func (s *Server) updateRecipientsLocked() {
	if s.relay == nil {
		return
	}

	rec := &media.Recipients{
		Receivers: make(map[string][]net.Addr),
		Clients:   make(map[uint32]net.Addr),
	}
	for id, sess := range s.sessions {
		if sess.mediaAddr == nil {
			continue
		}
		rec.Clients[id] = sess.mediaAddr
		if !sess.client.VideoEnabled {
			continue
		}
		var receivers []net.Addr
		for _, other := range s.siblingsLocked(id) {
			if other.mediaAddr != nil {
				receivers = append(receivers, other.mediaAddr)
			}
		}
		if len(receivers) > 0 {
			rec.Receivers[sess.mediaAddr.String()] = receivers
		}
	}
	s.relay.SetRecipients(rec)
}

// onMediaToken binds the UDP address of an Auth datagram to the client the
// token was issued to. Clients repeat the datagram until they see
// notify.mediaauthsuccess, so repeated tokens are answered again.
func (s *Server) onMediaToken(token string, addr net.Addr) {
	s.mu.Lock()
	id, ok := s.mediaTokens[token]
	sess := s.sessions[id]
	if !ok || sess == nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Server.onMediaToken",
			"from":     addr.String(),
		}).Warn("Rejected unknown media token")
		return
	}

	changed := sess.mediaAddr == nil || sess.mediaAddr.String() != addr.String()
	sess.mediaAddr = addr
	if changed {
		s.updateRecipientsLocked()
	}
	s.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function":   "Server.onMediaToken",
			"session_id": sess.id,
			"client_id":  id,
			"media_addr": addr.String(),
		}).Info("Media address authenticated")
	}
	// Called on the relay's receive loop, which must not block on a control
	// connection.
	go s.send([]notification{{to: sess, body: mustRequest(protocol.NotifyMediaAuthSuccess, nil)}})
}

// ClientInfo is one client in a Snapshot.
type ClientInfo struct {
	Client        protocol.ClientEntity `json:"client"`
	SessionID     string                `json:"sessionid"`
	Remote        string                `json:"remote"`
	MediaAddr     string                `json:"mediaaddr,omitempty"`
	Authenticated bool                  `json:"authenticated"`
	Channels      []uint32              `json:"channels"`
	ConnectedAt   time.Time             `json:"connectedat"`
}

// ChannelInfo is one channel in a Snapshot.
type ChannelInfo struct {
	Channel      protocol.ChannelEntity `json:"channel"`
	Participants []uint32               `json:"participants"`
}

// Snapshot is the server state published by the status endpoints.
type Snapshot struct {
	StartedAt time.Time          `json:"startedat"`
	Clients   []ClientInfo       `json:"clients"`
	Channels  []ChannelInfo      `json:"channels"`
	Bandwidth media.NetworkUsage `json:"bandwidth"`
	Relay     media.RelayStats   `json:"relay"`
}

// Snapshot returns a consistent copy of the server state.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		StartedAt: s.startedAt,
		Clients:   make([]ClientInfo, 0, len(s.sessions)),
		Channels:  make([]ChannelInfo, 0, len(s.channels)),
	}
	for _, sess := range s.sessions {
		info := ClientInfo{
			Client:        sess.client,
			SessionID:     sess.id,
			Remote:        sess.conn.RemoteAddr().String(),
			Authenticated: sess.authenticated,
			Channels:      sortedIDs(sess.channels),
			ConnectedAt:   sess.connectedAt,
		}
		if sess.mediaAddr != nil {
			info.MediaAddr = sess.mediaAddr.String()
		}
		snap.Clients = append(snap.Clients, info)
	}
	for _, ch := range s.channels {
		snap.Channels = append(snap.Channels, ChannelInfo{
			Channel:      ch.entity,
			Participants: sortedIDs(ch.participants),
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Clients, func(i, j int) bool { return snap.Clients[i].Client.ID < snap.Clients[j].Client.ID })
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Channel.ID < snap.Channels[j].Channel.ID })

	if s.relay != nil {
		snap.Bandwidth = s.relay.Bandwidth()
		snap.Relay = s.relay.Stats()
	}
	return snap
}

func sortedIDs(set map[uint32]struct{}) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
