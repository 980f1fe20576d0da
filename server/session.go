package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/confcore/cor"
	"github.com/opd-ai/confcore/protocol"
	"github.com/sirupsen/logrus"
)

// session is one client connection. Fields other than conn, id and the
// heartbeat timer are guarded by Server.mu.
type session struct {
	id          string
	server      *Server
	conn        *cor.Connection
	connectedAt time.Time

	client        protocol.ClientEntity
	authenticated bool
	mediaAddr     net.Addr
	channels      map[uint32]struct{}

	heartbeatMu sync.Mutex
	heartbeat   *time.Timer
}

func newSession(s *Server, clientID uint32, conn net.Conn) *session {
	sess := &session{
		id:          uuid.New().String(),
		server:      s,
		connectedAt: s.opts.TimeProvider.Now(),
		client:      protocol.ClientEntity{ID: clientID},
		channels:    make(map[uint32]struct{}),
	}

	opts := []cor.ConnectionOption{
		cor.WithMaxBodySize(s.opts.MaxBodySize),
		cor.WithRequestHandler(sess.handleRequest),
	}
	if s.opts.ConnectionObserver != nil {
		opts = append(opts, cor.WithObserver(s.opts.ConnectionObserver))
	}
	sess.conn = cor.NewConnection(conn, opts...)

	if timeout := s.opts.HeartbeatTimeout; timeout > 0 {
		sess.heartbeat = time.AfterFunc(timeout, sess.heartbeatExpired)
	}
	return sess
}

func (sess *session) touch() {
	sess.heartbeatMu.Lock()
	defer sess.heartbeatMu.Unlock()
	if sess.heartbeat != nil {
		sess.heartbeat.Reset(sess.server.opts.HeartbeatTimeout)
	}
}

func (sess *session) stopHeartbeat() {
	sess.heartbeatMu.Lock()
	defer sess.heartbeatMu.Unlock()
	if sess.heartbeat != nil {
		sess.heartbeat.Stop()
		sess.heartbeat = nil
	}
}

func (sess *session) heartbeatExpired() {
	logrus.WithFields(logrus.Fields{
		"function":   "session.heartbeatExpired",
		"session_id": sess.id,
		"timeout":    sess.server.opts.HeartbeatTimeout.String(),
	}).Warn("Heartbeat timeout, closing connection")
	sess.conn.Close()
}

// handleRequest runs on the connection's receive goroutine.
func (sess *session) handleRequest(frame *cor.Frame) {
	sess.touch()

	req, err := protocol.ParseRequest(frame.Body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "session.handleRequest",
			"session_id": sess.id,
			"error":      err.Error(),
		}).Warn("Invalid request")
		sess.respondError(frame, "", protocol.StatusInvalidProtocol, "Invalid protocol format")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "session.handleRequest",
		"session_id": sess.id,
		"action":     req.Action,
	}).Debug("Handling request")

	switch req.Action {
	case protocol.ActionAuth:
		sess.handleAuth(frame, req)
		return
	case protocol.ActionGoodbye:
		sess.respond(frame, req.Action, nil)
		sess.conn.Close()
		return
	}

	sess.server.mu.Lock()
	authenticated := sess.authenticated
	sess.server.mu.Unlock()
	if !authenticated {
		sess.reject(frame, req.Action, protocol.StatusUnauthorized, "Authentication required")
		return
	}

	switch req.Action {
	case protocol.ActionHeartbeat:
		sess.respond(frame, req.Action, nil)
	case protocol.ActionJoinChannel:
		sess.handleJoinChannel(frame, req)
	case protocol.ActionLeaveChannel:
		sess.handleLeaveChannel(frame, req)
	case protocol.ActionEnableVideo:
		sess.handleVideoEnabled(frame, req.Action, true)
	case protocol.ActionDisableVideo:
		sess.handleVideoEnabled(frame, req.Action, false)
	default:
		sess.respondError(frame, req.Action, protocol.StatusUnknownAction, "Unknown action")
	}
}

func (sess *session) respond(frame *cor.Frame, action string, params any) {
	body, err := protocol.NewResponse(params)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "session.respond",
			"session_id": sess.id,
			"action":     action,
			"error":      err.Error(),
		}).Error("Failed to encode response")
		sess.respondError(frame, action, protocol.StatusInvalidProtocol, "Internal error")
		return
	}
	sess.write(frame, action, protocol.StatusOK, body)
}

func (sess *session) respondError(frame *cor.Frame, action string, status protocol.Status, message string) {
	sess.write(frame, action, status, protocol.NewErrorResponse(status, message))
}

// reject answers with an error and drops the client.
func (sess *session) reject(frame *cor.Frame, action string, status protocol.Status, message string) {
	sess.respondError(frame, action, status, message)

	logrus.WithFields(logrus.Fields{
		"function":   "session.reject",
		"session_id": sess.id,
		"action":     action,
		"status":     status.String(),
		"reason":     message,
	}).Info("Rejected client")
	sess.conn.Close()
}

func (sess *session) write(frame *cor.Frame, action string, status protocol.Status, body []byte) {
	sess.server.opts.Observer.ActionHandled(action, status)
	if err := sess.conn.SendResponse(cor.NewResponse(frame, body)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "session.write",
			"session_id": sess.id,
			"action":     action,
			"error":      err.Error(),
		}).Debug("Failed to send response")
	}
}

func (sess *session) handleAuth(frame *cor.Frame, req *protocol.Request) {
	var params protocol.AuthParams
	if err := req.Decode(&params); err != nil {
		sess.reject(frame, req.Action, protocol.StatusInvalidProtocol, "Invalid protocol format")
		return
	}

	s := sess.server
	opts := s.opts

	s.mu.Lock()
	if opts.ConnectionLimit > 0 && !sess.authenticated && s.authenticatedCountLocked() >= opts.ConnectionLimit {
		s.mu.Unlock()
		sess.reject(frame, req.Action, protocol.StatusConnectionLimit,
			fmt.Sprintf("Server connection limit reached (limit=%d)", opts.ConnectionLimit))
		return
	}
	s.mu.Unlock()

	if s.relay != nil {
		usage := s.relay.Bandwidth()
		if (opts.BandwidthReadLimit > 0 && usage.ReadRate >= float64(opts.BandwidthReadLimit)) ||
			(opts.BandwidthWriteLimit > 0 && usage.WriteRate >= float64(opts.BandwidthWriteLimit)) {
			sess.reject(frame, req.Action, protocol.StatusBandwidthLimit, "Server bandwidth limit reached")
			return
		}
	}

	if params.Version != protocol.Version {
		sess.reject(frame, req.Action, protocol.StatusIncompatibleVersion,
			fmt.Sprintf("Incompatible version (client=%d; server=%d)", params.Version, protocol.Version))
		return
	}
	if params.Username == "" || (opts.Password != "" && params.Password != opts.Password) {
		sess.reject(frame, req.Action, protocol.StatusUnauthorized, "Authentication failed")
		return
	}

	token, err := s.tokens.issue(sess.client.ID, opts.TimeProvider.Now())
	if err != nil {
		sess.reject(frame, req.Action, protocol.StatusInvalidProtocol, "Internal error")
		return
	}

	s.mu.Lock()
	sess.authenticated = true
	sess.client.Name = params.Username
	sess.client.VideoEnabled = params.VideoEnabled
	for old, id := range s.mediaTokens {
		if id == sess.client.ID {
			delete(s.mediaTokens, old)
		}
	}
	s.mediaTokens[token] = sess.client.ID
	result := protocol.AuthResult{Client: sess.client, AuthToken: token}
	s.updateRecipientsLocked()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "session.handleAuth",
		"session_id": sess.id,
		"client_id":  result.Client.ID,
		"username":   result.Client.Name,
	}).Info("Client authenticated")
	sess.respond(frame, req.Action, result)
}

func (s *Server) authenticatedCountLocked() int {
	n := 0
	for _, sess := range s.sessions {
		if sess.authenticated {
			n++
		}
	}
	return n
}

func (sess *session) handleJoinChannel(frame *cor.Frame, req *protocol.Request) {
	var params protocol.ChannelParams
	if err := req.Decode(&params); err != nil {
		sess.respondError(frame, req.Action, protocol.StatusInvalidProtocol, "Invalid protocol format")
		return
	}

	s := sess.server
	s.mu.Lock()
	if !s.channelAllowed(params.ChannelID) {
		s.mu.Unlock()
		sess.respondError(frame, req.Action, protocol.StatusInvalidChannel,
			fmt.Sprintf("Invalid channel id (channelid=%d)", params.ChannelID))
		return
	}
	if ch, ok := s.channels[params.ChannelID]; ok && ch.password != "" && ch.password != params.Password {
		s.mu.Unlock()
		sess.respondError(frame, req.Action, protocol.StatusUnauthorized, "Wrong channel password")
		return
	}

	ch := s.addParticipantLocked(params.ChannelID, params.Password, sess)
	result := protocol.JoinChannelResult{
		Channel:      ch.entity,
		Participants: s.participantsLocked(ch),
	}
	out := s.channelNotificationsLocked(ch, sess, protocol.NotifyClientJoinedChannel)
	s.updateRecipientsLocked()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "session.handleJoinChannel",
		"session_id":   sess.id,
		"channel_id":   ch.entity.ID,
		"participants": len(result.Participants),
	}).Info("Client joined channel")

	sess.respond(frame, req.Action, result)
	s.send(out)
}

func (sess *session) handleLeaveChannel(frame *cor.Frame, req *protocol.Request) {
	var params protocol.ChannelParams
	if err := req.Decode(&params); err != nil {
		sess.respondError(frame, req.Action, protocol.StatusInvalidProtocol, "Invalid protocol format")
		return
	}

	s := sess.server
	s.mu.Lock()
	ch, ok := s.channels[params.ChannelID]
	if !ok {
		s.mu.Unlock()
		sess.respondError(frame, req.Action, protocol.StatusInvalidChannel,
			fmt.Sprintf("Invalid channel id (channelid=%d)", params.ChannelID))
		return
	}
	s.removeParticipantLocked(ch.entity.ID, sess.client.ID)
	out := s.channelNotificationsLocked(ch, sess, protocol.NotifyClientLeftChannel)
	s.updateRecipientsLocked()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "session.handleLeaveChannel",
		"session_id": sess.id,
		"channel_id": ch.entity.ID,
	}).Info("Client left channel")

	sess.respond(frame, req.Action, nil)
	s.send(out)
}

// channelNotificationsLocked addresses every participant of ch except sess.
func (s *Server) channelNotificationsLocked(ch *channel, sess *session, action string) []notification {
	body := mustRequest(action, protocol.ChannelClientNotification{Channel: ch.entity, Client: sess.client})
	var out []notification
	for _, id := range sortedIDs(ch.participants) {
		if id == sess.client.ID {
			continue
		}
		if other, ok := s.sessions[id]; ok {
			out = append(out, notification{to: other, body: body})
		}
	}
	return out
}

func (sess *session) handleVideoEnabled(frame *cor.Frame, action string, enabled bool) {
	s := sess.server
	notify := protocol.NotifyClientVideoDisabled
	if enabled {
		notify = protocol.NotifyClientVideoEnabled
	}

	s.mu.Lock()
	sess.client.VideoEnabled = enabled
	body := mustRequest(notify, protocol.ClientNotification{Client: sess.client})
	var out []notification
	for _, other := range s.siblingsLocked(sess.client.ID) {
		out = append(out, notification{to: other, body: body})
	}
	s.updateRecipientsLocked()
	s.mu.Unlock()

	sess.respond(frame, action, nil)
	s.send(out)
}
