package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/inviso/scenesync/internal/auth"
	"github.com/inviso/scenesync/internal/storage"
	"github.com/inviso/scenesync/internal/storage/memory"
	"github.com/inviso/scenesync/pkg/streaming"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

var errRateLimited = errors.New("rate limit exceeded")

// peer is one WebSocket connection bound to a room. The hub client id is
// unique per connection so a stale connection closing late cannot run the
// disconnect removals of its replacement.
type peer struct {
	server   *Server
	room     *room
	clientID string
	conn     *websocket.Conn
	store    *memory.Client
	limiter  *rate.Limiter
	logger   *slog.Logger

	out  chan []byte
	once sync.Once
	done chan struct{}

	// collection -> cancel, touched only by the read loop
	subs map[string]func()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// clientID authenticates the upgrade request.
func (s *Server) clientID(r *http.Request, room string) (string, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if s.deps.Keys == nil {
		if id := r.URL.Query().Get("client"); id != "" {
			return id, nil
		}
		return ulid.Make().String(), nil
	}
	claims, err := s.deps.Keys.Verify(token, room)
	if err != nil {
		return "", err
	}
	return claims.ClientID, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("room")
	clientID, err := s.clientID(r, name)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrWrongRoom) {
			status = http.StatusForbidden
		}
		http.Error(w, err.Error(), status)
		return
	}
	rm, err := s.room(r.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidRoom) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}

	up := upgrader
	up.CheckOrigin = s.checkOrigin
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", "room", name, "error", err)
		return
	}

	p := &peer{
		server:   s,
		room:     rm,
		clientID: clientID,
		conn:     conn,
		store:    rm.hub.Connect(fmt.Sprintf("%s#%d", clientID, s.connSeq.Add(1))),
		limiter:  rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst),
		logger:   s.logger.With("room", name, "client", clientID),
		out:      make(chan []byte, outboundSize),
		done:     make(chan struct{}),
		subs:     make(map[string]func()),
	}
	s.attach(rm, p)
	p.logger.Info("Client connected")

	go p.writeLoop()
	p.readLoop()

	_ = p.store.Close()
	s.detach(rm, p)
	p.shutdown("")
	p.logger.Info("Client disconnected")
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// shutdown stops the write loop and closes the socket, once.
func (p *peer) shutdown(reason string) {
	p.once.Do(func() {
		close(p.done)
		if reason != "" {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, reason),
				time.Now().Add(time.Second))
		}
		_ = p.conn.Close()
	})
}

// enqueue hands a frame to the writer. It runs inside hub delivery and
// must not block; a client that falls this far behind is dropped.
func (p *peer) enqueue(data []byte) {
	select {
	case p.out <- data:
	case <-p.done:
	default:
		p.server.dropped.Add(1)
		p.logger.Warn("Outbound queue full, dropping client")
		go p.shutdown("too slow")
	}
}

func (p *peer) writeLoop() {
	ping := time.NewTicker(p.server.cfg.PresenceTimeout / 3)
	defer ping.Stop()
	for {
		select {
		case <-p.done:
			return
		case data := <-p.out:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.shutdown("")
				return
			}
		case <-ping.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.shutdown("")
				return
			}
		}
	}
}

// readLoop serves requests until the socket fails or stays silent for the
// presence timeout. Pongs count as activity.
func (p *peer) readLoop() {
	timeout := p.server.cfg.PresenceTimeout
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(timeout))
	})

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				p.logger.Info("Presence timeout")
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(timeout))

		var env streaming.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			p.logger.Debug("Malformed frame", "error", err)
			continue
		}
		ctx := context.Background()
		p.server.countFrame(ctx, p.room.name, env.Type)

		err = p.handle(ctx, env)
		if err != nil {
			p.server.rejected.Add(1)
			p.logger.Debug("Request rejected", "type", env.Type, "error", err)
		}
		p.ack(env, err)
	}
}

func (p *peer) ack(env streaming.Envelope, err error) {
	if env.ID == 0 {
		return
	}
	a := streaming.AckMessage{Type: streaming.TypeAck, For: env.Type, ID: env.ID}
	if err != nil {
		a.Error = err.Error()
	}
	data, mErr := json.Marshal(a)
	if mErr != nil {
		return
	}
	p.enqueue(data)
}

func (p *peer) handle(ctx context.Context, env streaming.Envelope) error {
	if !p.limiter.Allow() {
		return errRateLimited
	}

	switch env.Type {
	case streaming.TypeSubscribe, streaming.TypeUnsubscribe:
		var sp streaming.SubscribePayload
		if err := env.Decode(&sp); err != nil {
			return err
		}
		if sp.Collection == "" {
			return errors.New("collection required")
		}
		if env.Type == streaming.TypeSubscribe {
			return p.subscribe(sp.Collection)
		}
		if cancel, ok := p.subs[sp.Collection]; ok {
			cancel()
			delete(p.subs, sp.Collection)
		}
		return nil
	}

	var wp streaming.WritePayload
	if err := env.Decode(&wp); err != nil {
		return err
	}
	if wp.Collection == "" {
		return errors.New("collection required")
	}
	if env.Type != streaming.TypeRemoveCollection && wp.Key == "" {
		return errors.New("key required")
	}

	switch env.Type {
	case streaming.TypeSet:
		if len(wp.Value) == 0 {
			return errors.New("value required")
		}
		return p.store.Set(ctx, wp.Collection, wp.Key, wp.Value)
	case streaming.TypeUpdate:
		fields := make(map[string]any, len(wp.Fields))
		for k, raw := range wp.Fields {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
			fields[k] = v
		}
		return p.store.Update(ctx, wp.Collection, wp.Key, fields)
	case streaming.TypeRemove:
		return p.store.Remove(ctx, wp.Collection, wp.Key)
	case streaming.TypeRemoveCollection:
		return p.store.RemoveCollection(ctx, wp.Collection)
	case streaming.TypeOnDisconnectRemove:
		return p.store.OnDisconnectRemove(ctx, wp.Collection, wp.Key)
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
}

// subscribe forwards every event of collection. A repeated subscribe, as
// sent after a client reconnect, replays the collection again.
func (p *peer) subscribe(collection string) error {
	if cancel, ok := p.subs[collection]; ok {
		cancel()
	}
	cancel, err := p.store.Subscribe(collection, func(ev storage.Event) {
		data, err := streaming.Marshal(streaming.TypeEvent, 0, streaming.EventPayload{
			Type:       ev.Type.String(),
			Collection: ev.Collection,
			Key:        ev.Key,
			Data:       ev.Data,
			Seq:        ev.Seq,
		})
		if err != nil {
			return
		}
		p.server.eventsOut.Add(1)
		p.enqueue(data)
	})
	if err != nil {
		return err
	}
	p.subs[collection] = cancel
	return nil
}
