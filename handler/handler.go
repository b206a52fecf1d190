package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"memorease/internal/domain"
	"memorease/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type TurnSubmitter interface {
	SubmitTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type SnapshotReader interface {
	Snapshot(ctx context.Context, conversationID string) (domain.Snapshot, error)
}

// Handler serves API Gateway proxy requests:
//
//	POST /conversations/{id}/turns  submit a text turn
//	GET  /conversations/{id}        read the durable snapshot
type Handler struct {
	turns     TurnSubmitter
	snapshots SnapshotReader
	logger    zerolog.Logger
}

type Option func(*Handler)

func WithLogger(logger zerolog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

func NewHandler(turns TurnSubmitter, snapshots SnapshotReader, opts ...Option) (*Handler, error) {
	if turns == nil {
		return nil, errors.New("handler: turn submitter must not be nil")
	}
	if snapshots == nil {
		return nil, errors.New("handler: snapshot reader must not be nil")
	}
	h := &Handler{turns: turns, snapshots: snapshots, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type turnRequest struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

type turnResponse struct {
	ConversationID string       `json:"conversationId"`
	Accepted       bool         `json:"accepted"`
	Fallback       bool         `json:"fallback,omitempty"`
	UserTurn       *domain.Turn `json:"userTurn,omitempty"`
	AssistantTurn  *domain.Turn `json:"assistantTurn,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	logger := h.logger.With().Str("correlation_id", corrID).Str("method", req.HTTPMethod).Str("path", req.Path).Logger()

	convID, sub := route(req)
	if convID == "" {
		return respond(http.StatusNotFound, corrID, errorResponse{Error: string(usecase.ErrorValidation), Reason: "unknown_route"}), nil
	}

	switch {
	case req.HTTPMethod == http.MethodPost && sub == "turns":
		return h.submit(ctx, logger, corrID, convID, req.Body), nil
	case req.HTTPMethod == http.MethodGet && sub == "":
		snap, err := h.snapshots.Snapshot(ctx, convID)
		if err != nil {
			logger.Error().Err(err).Str("conversation_id", convID).Msg("snapshot read failed")
			return respond(http.StatusInternalServerError, corrID, errorResponse{Error: string(usecase.ErrorInternal), Reason: "snapshot_read_error"}), nil
		}
		if snap.Turns == nil {
			snap.Turns = []domain.Turn{}
		}
		return respond(http.StatusOK, corrID, snap), nil
	default:
		return respond(http.StatusMethodNotAllowed, corrID, errorResponse{Error: string(usecase.ErrorValidation), Reason: "method_not_allowed"}), nil
	}
}

func (h *Handler) submit(ctx context.Context, logger zerolog.Logger, corrID, convID, body string) events.APIGatewayProxyResponse {
	var in turnRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return respond(http.StatusBadRequest, corrID, errorResponse{Error: string(usecase.ErrorValidation), Reason: "invalid_body"})
	}

	out, err := h.turns.SubmitTurn(ctx, usecase.TurnInput{
		Session: domain.Session{UserID: in.UserID, ConversationID: convID},
		Text:    in.Text,
		Origin:  usecase.OriginText,
	})
	if err != nil {
		status, code := ErrorStatus(err)
		reason := "unexpected_error"
		var ue *usecase.Error
		if errors.As(err, &ue) {
			reason = ue.Reason
		}
		logger.Error().Err(err).Str("conversation_id", convID).Str("code", string(code)).Str("reason", reason).Msg("submit turn failed")
		return respond(status, corrID, errorResponse{Error: string(code), Reason: reason})
	}

	resp := turnResponse{ConversationID: convID, Accepted: out.Accepted, Fallback: out.Fallback}
	if out.Accepted {
		resp.UserTurn = &out.UserTurn
		resp.AssistantTurn = &out.AssistantTurn
	}
	return respond(http.StatusOK, corrID, resp)
}

// ErrorStatus maps an error returned by the assistant to an HTTP status and
// its error code. Unclassified errors are internal.
func ErrorStatus(err error) (int, usecase.ErrorCode) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, usecase.ErrorInternal
	}
	switch ue.Code {
	case usecase.ErrorValidation:
		return http.StatusBadRequest, ue.Code
	case usecase.ErrorPermissionDenied:
		return http.StatusForbidden, ue.Code
	case usecase.ErrorRecognitionFailure:
		return http.StatusUnprocessableEntity, ue.Code
	case usecase.ErrorPersistence:
		return http.StatusServiceUnavailable, ue.Code
	default:
		return http.StatusInternalServerError, usecase.ErrorInternal
	}
}

// route extracts the conversation id and the trailing segment from either
// the API Gateway path parameters or the raw path.
func route(req events.APIGatewayProxyRequest) (convID, sub string) {
	parts := strings.Split(strings.Trim(req.Path, "/"), "/")
	if id := strings.TrimSpace(req.PathParameters["id"]); id != "" {
		if len(parts) >= 3 {
			sub = parts[2]
		}
		return id, sub
	}
	if len(parts) < 2 || parts[0] != "conversations" || len(parts) > 3 {
		return "", ""
	}
	if len(parts) == 3 {
		sub = parts[2]
	}
	return strings.TrimSpace(parts[1]), sub
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func respond(status int, corrID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(raw),
	}
}
