package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"expense-agent/internal/domain"
	"expense-agent/internal/usecase"
)

type stubDispatcher struct {
	outcome usecase.Outcome
	payload domain.WebhookPayload
	calls   int
}

func (s *stubDispatcher) Dispatch(_ context.Context, payload domain.WebhookPayload) usecase.Outcome {
	s.payload = payload
	s.calls++
	return s.outcome
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/webhook",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	_, err := NewHandler(nil, "secret")
	require.Error(t, err)

	_, err = NewHandler(&stubDispatcher{}, "  ")
	require.Error(t, err)
}

func TestHandle_Verification_HappyPath(t *testing.T) {
	h, err := NewHandler(&stubDispatcher{}, "secret")
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		QueryStringParameters: map[string]string{
			"hub.mode":         "subscribe",
			"hub.verify_token": "secret",
			"hub.challenge":    "challenge-42",
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "challenge-42", resp.Body)
}

func TestHandle_Verification_WrongToken(t *testing.T) {
	h, err := NewHandler(&stubDispatcher{}, "secret")
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodGet,
		QueryStringParameters: map[string]string{
			"hub.mode":         "subscribe",
			"hub.verify_token": "wrong",
			"hub.challenge":    "challenge-42",
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.NotContains(t, resp.Body, "challenge-42")
}

func TestHandle_Event_ReturnsOutcome(t *testing.T) {
	outcomes := []usecase.Outcome{
		usecase.OutcomeNoEvents,
		usecase.OutcomeIgnored,
		usecase.OutcomeNotEntitled,
		usecase.OutcomeProcessed,
		usecase.OutcomeFailed,
	}
	for _, outcome := range outcomes {
		t.Run(string(outcome), func(t *testing.T) {
			engine := &stubDispatcher{outcome: outcome}
			h, err := NewHandler(engine, "secret")
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(
				`{"entry":[{"messaging":[{"sender":{"id":"u-1"},"message":{"text":"hi"}}]}]}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, 1, engine.calls)

			out := parseBody[statusResponse](t, resp.Body)
			require.Equal(t, string(outcome), out.Status)
		})
	}
}

func TestHandle_Event_DecodesPayload(t *testing.T) {
	engine := &stubDispatcher{outcome: usecase.OutcomeProcessed}
	h, err := NewHandler(engine, "secret")
	require.NoError(t, err)

	_, err = h.Handle(context.Background(), makeEvent(
		`{"entry":[{"messaging":[{"sender":{"id":"u-1"},"message":{"text":"coffee 3.50"}}]}]}`))
	require.NoError(t, err)
	require.Len(t, engine.payload.Entry, 1)
	require.Equal(t, "u-1", engine.payload.Entry[0].Messaging[0].Sender.ID)
	require.Equal(t, "coffee 3.50", engine.payload.Entry[0].Messaging[0].Message.Text)
}

func TestHandle_Event_InvalidBody(t *testing.T) {
	engine := &stubDispatcher{}
	h, err := NewHandler(engine, "secret")
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Zero(t, engine.calls)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, "invalid payload", out.Error)
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	h, err := NewHandler(&stubDispatcher{}, "secret")
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodDelete})
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	h, err := NewHandler(&stubDispatcher{outcome: usecase.OutcomeProcessed}, "secret")
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`{"entry":[]}`))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubDispatcher{outcome: usecase.OutcomeProcessed}, "secret")
	require.NoError(t, err)

	event := makeEvent(`{"entry":[]}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
