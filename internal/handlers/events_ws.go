// internal/handlers/events_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/jason-s-yu/cambia-lobby/internal/broadcast"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	"github.com/jason-s-yu/cambia-lobby/internal/middleware"
	"github.com/sirupsen/logrus"
)

const (
	eventsSubprotocol = "events"
	wsWriteTimeout    = 5 * time.Second
)

// authorizeTopic checks that userID may watch topic. Hidden lobbies are visible to their
// members only, and a party topic to the party's members.
func (s *APIServer) authorizeTopic(ctx context.Context, userID int64, topic string) error {
	if topic == broadcast.GlobalTopic {
		return nil
	}
	kind, idStr, ok := strings.Cut(topic, ":")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if !ok || err != nil || id <= 0 {
		return apperr.Validation("topic", "must be lobbies, lobby:<id> or party:<id>")
	}

	switch kind {
	case "lobby":
		l, err := s.Lobbies.Get(ctx, id)
		if err != nil {
			return err
		}
		if !l.IsHidden {
			return nil
		}
		for _, m := range l.MemberIDs {
			if m == userID {
				return nil
			}
		}
		return apperr.New(apperr.KindNotFound, "lobby")
	case "party":
		u, err := s.Store.GetUser(ctx, userID)
		if err != nil {
			return database.AsNotFound(err, "user")
		}
		if u.PartyID == nil || *u.PartyID != id {
			return apperr.New(apperr.KindNotInParty, "you are not in this party")
		}
		return nil
	}
	return apperr.Validation("topic", "must be lobbies, lobby:<id> or party:<id>")
}

// eventsWS streams every broadcast event on ?topic= to the client as JSON text messages.
// The stream is one-way; anything the client sends is ignored.
func (s *APIServer) eventsWS(w http.ResponseWriter, r *http.Request, userID int64) {
	topic := r.URL.Query().Get("topic")
	if err := s.authorizeTopic(r.Context(), userID, topic); err != nil {
		writeError(w, s.log, err)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{eventsSubprotocol},
		OriginPatterns: []string{"*"}, // Adjust in production
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept error")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if proto := c.Subprotocol(); proto != "" && proto != eventsSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the events subprotocol")
		return
	}

	sub := s.Hub.Subscribe(topic)
	defer sub.Close()

	middleware.LogWebSocketConnect(s.logger, r.RemoteAddr, topic, userID)
	err = s.pump(c.CloseRead(r.Context()), c, sub)
	middleware.LogWebSocketDisconnect(s.logger, r.RemoteAddr, topic, userID, err)
}

// pump writes events until the client goes away, the topic closes, or a write fails.
func (s *APIServer) pump(ctx context.Context, c *websocket.Conn, sub *broadcast.Subscription) error {
	log := s.log.WithField("topic", sub.Topic())
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				c.Close(websocket.StatusGoingAway, "subscription closed")
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, c, ev)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
					return nil
				}
				log.WithError(err).WithFields(logrus.Fields{"event": ev.Name}).Debug("websocket write failed")
				return err
			}
			if closesTopic(sub.Topic(), ev.Name) {
				c.Close(TopicClosedError, ev.Name)
				return nil
			}
		}
	}
}

// closesTopic reports whether ev ends the life of the per-lobby or per-party topic.
func closesTopic(topic, event string) bool {
	switch event {
	case broadcast.LobbyDeleted:
		return strings.HasPrefix(topic, "lobby:")
	case broadcast.PartyDisbanded:
		return strings.HasPrefix(topic, "party:")
	}
	return false
}
