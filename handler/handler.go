package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"expense-agent/internal/domain"
	"expense-agent/internal/usecase"
)

// Dispatcher runs one webhook payload through the dispatch engine.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload domain.WebhookPayload) usecase.Outcome
}

// Handler adapts API Gateway proxy events onto the webhook contract:
// GET carries the Messenger subscription handshake, POST carries events.
type Handler struct {
	engine      Dispatcher
	verifyToken string
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(engine Dispatcher, verifyToken string) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if strings.TrimSpace(verifyToken) == "" {
		return nil, errors.New("handler: verify token must not be empty")
	}
	return &Handler{engine: engine, verifyToken: verifyToken}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(req.Headers)

	switch req.HTTPMethod {
	case http.MethodGet:
		return h.handleVerification(req, correlationID), nil
	case http.MethodPost:
		return h.handleEvent(ctx, req, correlationID), nil
	default:
		return respond(http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"}, correlationID), nil
	}
}

// handleVerification answers the Messenger webhook handshake by echoing the
// challenge when the verify token matches.
func (h *Handler) handleVerification(req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	q := req.QueryStringParameters
	if q["hub.mode"] == "subscribe" && q["hub.verify_token"] == h.verifyToken {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusOK,
			Headers: map[string]string{
				"Content-Type":     "text/plain",
				"X-Correlation-Id": correlationID,
			},
			Body: q["hub.challenge"],
		}
	}
	return respond(http.StatusForbidden, errorResponse{Error: "verification failed"}, correlationID)
}

// handleEvent acknowledges every syntactically valid payload with 200 and
// the dispatch outcome; the platform retries anything else.
func (h *Handler) handleEvent(ctx context.Context, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var payload domain.WebhookPayload
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		slog.Error("invalid webhook body", "correlation_id", correlationID, "err", err)
		return respond(http.StatusBadRequest, errorResponse{Error: "invalid payload"}, correlationID)
	}

	outcome := h.engine.Dispatch(ctx, payload)
	slog.Info("webhook event acknowledged", "correlation_id", correlationID, "status", string(outcome))
	return respond(http.StatusOK, statusResponse{Status: string(outcome)}, correlationID)
}

func respond(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		buf = []byte(`{}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": correlationID,
		},
		Body: string(buf),
	}
}

func correlationIDFrom(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
