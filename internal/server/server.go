// Package server exposes conversations over HTTP: a websocket feed of the
// live view, a message endpoint and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"memorease/handler"
	"memorease/internal/conversation"
	"memorease/internal/domain"
	"memorease/internal/usecase"
)

const writeWait = 10 * time.Second

type Submitter interface {
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type StoreSource interface {
	Store(conversationID string) (*conversation.Store, error)
}

type FeedSource interface {
	Feed(conversationID string) (*conversation.Feed, error)
}

// Server routes HTTP requests to the conversation components.
type Server struct {
	submitter Submitter
	stores    StoreSource
	feeds     FeedSource
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
}

func New(submitter Submitter, stores StoreSource, feeds FeedSource, logger zerolog.Logger) (*Server, error) {
	if submitter == nil {
		return nil, errors.New("server: submitter must not be nil")
	}
	if stores == nil {
		return nil, errors.New("server: store source must not be nil")
	}
	if feeds == nil {
		return nil, errors.New("server: feed source must not be nil")
	}
	s := &Server{
		submitter: submitter,
		stores:    stores,
		feeds:     feeds,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /conversations/{id}", s.handleView)
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.handleMessage)
	s.mux.HandleFunc("GET /conversations/{id}/feed", s.handleFeed)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type messageRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type messageResponse struct {
	Accepted      bool         `json:"accepted"`
	Fallback      bool         `json:"fallback,omitempty"`
	UserTurn      *domain.Turn `json:"userTurn,omitempty"`
	AssistantTurn *domain.Turn `json:"assistantTurn,omitempty"`
	Error         string       `json:"error,omitempty"`
	Reason        string       `json:"reason,omitempty"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	store, err := s.stores.Store(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_conversation"})
		return
	}
	writeJSON(w, http.StatusOK, store.View())
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"})
		return
	}
	out, err := s.submitter.SubmitTurn(r.Context(), usecase.TurnInput{
		Session: domain.Session{UserID: req.UserID, ConversationID: r.PathValue("id")},
		Text:    req.Text,
		Origin:  usecase.OriginText,
	})
	resp := toMessageResponse(out)
	status := http.StatusOK
	if err != nil {
		var code usecase.ErrorCode
		status, code = handler.ErrorStatus(err)
		resp.Error = string(code)
		resp.Reason = reasonOf(err)
		s.logger.Warn().Err(err).Str("conversation_id", r.PathValue("id")).Msg("message failed")
	}
	writeJSON(w, status, resp)
}

type wsInbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type wsOutbound struct {
	Type   string             `json:"type"`
	View   *conversation.View `json:"view,omitempty"`
	Error  string             `json:"error,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// handleFeed streams the conversation view to the client after every change
// and accepts {"type":"message"} frames as text turns.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	userID := r.URL.Query().Get("user_id")
	store, err := s.stores.Store(convID)
	if err != nil {
		http.Error(w, "invalid conversation", http.StatusBadRequest)
		return
	}
	feed, err := s.feeds.Feed(convID)
	if err != nil {
		http.Error(w, "invalid conversation", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := s.logger.With().Str("conversation_id", convID).Logger()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Views coalesce: the writer only ever needs the latest one.
	views := make(chan conversation.View, 1)
	push := func(v conversation.View) {
		for {
			select {
			case views <- v:
				return
			default:
			}
			select {
			case old := <-views:
				if old.Version > v.Version {
					v = old
				}
			default:
			}
		}
	}
	h := store.Subscribe(push)
	defer store.Unsubscribe(h)
	push(store.View())

	go func() {
		if err := store.Follow(ctx, feed.Snapshots(ctx)); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn().Err(err).Msg("snapshot feed stopped")
		}
	}()

	replies := make(chan wsOutbound, 8)
	go s.readLoop(ctx, cancel, conn, domain.Session{UserID: userID, ConversationID: convID}, replies, logger)

	for {
		var msg wsOutbound
		select {
		case <-ctx.Done():
			return
		case v := <-views:
			msg = wsOutbound{Type: "view", View: &v}
		case msg = <-replies:
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Debug().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (s *Server) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, session domain.Session, replies chan<- wsOutbound, logger zerolog.Logger) {
	defer cancel()
	for {
		var in wsInbound
		if err := conn.ReadJSON(&in); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}
		if in.Type != "message" {
			continue
		}
		_, err := s.submitter.SubmitTurn(ctx, usecase.TurnInput{Session: session, Text: in.Content, Origin: usecase.OriginText})
		if err == nil {
			continue
		}
		_, code := handler.ErrorStatus(err)
		select {
		case replies <- wsOutbound{Type: "error", Error: string(code), Reason: reasonOf(err)}:
		case <-ctx.Done():
			return
		}
	}
}

func toMessageResponse(out usecase.TurnOutput) messageResponse {
	resp := messageResponse{Accepted: out.Accepted, Fallback: out.Fallback}
	if out.UserTurn.ID != "" {
		t := out.UserTurn
		resp.UserTurn = &t
	}
	if out.AssistantTurn.ID != "" {
		t := out.AssistantTurn
		resp.AssistantTurn = &t
	}
	return resp
}

func reasonOf(err error) string {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return "unexpected_error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
