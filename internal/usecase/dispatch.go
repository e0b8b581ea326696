package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"expense-agent/internal/domain"
	"expense-agent/internal/repository"
)

// Outcome is the acknowledgement status returned to the webhook caller.
// Every inbound event resolves to exactly one outcome; dispatch never
// propagates an error past the system boundary.
type Outcome string

const (
	OutcomeNoEvents    Outcome = "no_events"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeNotEntitled Outcome = "not_entitled"
	OutcomeProcessed   Outcome = "processed"
	OutcomeFailed      Outcome = "failed"
)

// Fixed user-facing replies.
const (
	replySubscribe     = "Please subscribe to use this service."
	replyNotUnderstood = "Sorry, I didn't understand that."
	replySaveFailed    = "Sorry, I couldn't save your expense."
	replyQueryFailed   = "Couldn't retrieve your expenses."
	replyNoCategory    = "No expenses found in that category."
	replyNoDate        = "No expenses found on that date."
)

// Per-call deadlines so a hung dependency cannot block a sender's event.
const (
	modelTimeout = 30 * time.Second
	fetchTimeout = 10 * time.Second
	sendTimeout  = 10 * time.Second
	storeTimeout = 5 * time.Second
)

const isoDate = "2006-01-02"

// ModelClient is the hosted-model capability boundary: forced function
// selection over the expense actions, structured extraction from an
// attachment, and best-effort record formatting.
type ModelClient interface {
	SelectAction(ctx context.Context, senderID, query string, today time.Time) (string, map[string]any, error)
	ExtractExpense(ctx context.Context, data []byte, mimeType string) (domain.ExtractedExpense, error)
	FormatRecords(ctx context.Context, records []domain.Expense, language string) (string, error)
}

// Messenger delivers replies and fetches attachment payloads.
type Messenger interface {
	SendText(ctx context.Context, recipientID, text string) error
	FetchAttachment(ctx context.Context, url string) ([]byte, error)
}

// ExpenseStore is the persistence capability: append-only insert plus
// user-scoped filtered reads.
type ExpenseStore interface {
	Insert(ctx context.Context, e domain.Expense) error
	QueryByCategory(ctx context.Context, userID, category string) ([]domain.Expense, error)
	QueryByDateRange(ctx context.Context, userID, start, end string) ([]domain.Expense, error)
}

// EntitlementChecker answers whether a sender may use the service.
type EntitlementChecker interface {
	IsEntitled(senderID string) bool
}

// DispatchService turns one inbound webhook event into a validated action,
// executes it against the store, and drives the reply. It owns the
// warned-senders set so engine instances never share hidden state.
type DispatchService struct {
	model       ModelClient
	messenger   Messenger
	store       ExpenseStore
	entitlement EntitlementChecker
	pageID      string

	warnedMu sync.Mutex
	warned   map[string]struct{}

	now   func() time.Time
	newID func() string
}

func NewDispatchService(m ModelClient, msg Messenger, st ExpenseStore, ent EntitlementChecker, pageID string) (*DispatchService, error) {
	if m == nil {
		return nil, errors.New("usecase: model client must not be nil")
	}
	if msg == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if st == nil {
		return nil, errors.New("usecase: expense store must not be nil")
	}
	if ent == nil {
		return nil, errors.New("usecase: entitlement checker must not be nil")
	}
	if strings.TrimSpace(pageID) == "" {
		return nil, errors.New("usecase: page id must not be empty")
	}
	return &DispatchService{
		model:       m,
		messenger:   msg,
		store:       st,
		entitlement: ent,
		pageID:      pageID,
		warned:      make(map[string]struct{}),
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// Dispatch runs one webhook payload through the event state machine:
// Received -> Authorized -> Classified -> Executed -> Replied, with
// short-circuit exits for empty, self-originated, and unentitled events.
func (s *DispatchService) Dispatch(ctx context.Context, payload domain.WebhookPayload) Outcome {
	if len(payload.Entry) == 0 || len(payload.Entry[0].Messaging) == 0 {
		return OutcomeNoEvents
	}
	event := payload.Entry[0].Messaging[0]

	senderID := strings.TrimSpace(event.Sender.ID)
	if senderID == "" || senderID == s.pageID {
		return OutcomeIgnored
	}

	if !s.entitlement.IsEntitled(senderID) {
		// Warn once per sender per process lifetime. Concurrent first
		// events may race into two warnings; tolerated, never corrupting.
		if s.firstWarning(senderID) {
			s.send(ctx, senderID, replySubscribe)
		}
		return OutcomeNotEntitled
	}

	switch {
	case len(event.Message.Attachments) > 0:
		// Only the first attachment is considered; extras are dropped.
		return s.handleAttachment(ctx, senderID, event.Message.Attachments[0])
	case strings.TrimSpace(event.Message.Text) != "":
		return s.handleText(ctx, senderID, event.Message.Text)
	default:
		// Nothing actionable; acknowledged without a reply.
		return OutcomeProcessed
	}
}

func (s *DispatchService) firstWarning(senderID string) bool {
	s.warnedMu.Lock()
	defer s.warnedMu.Unlock()
	if _, seen := s.warned[senderID]; seen {
		return false
	}
	s.warned[senderID] = struct{}{}
	return true
}

func (s *DispatchService) handleText(ctx context.Context, senderID, text string) Outcome {
	mctx, cancel := context.WithTimeout(ctx, modelTimeout)
	name, args, err := s.model.SelectAction(mctx, senderID, text, s.now())
	cancel()
	if err != nil {
		cerr := newError(ErrorClassification, "intent_selection_failed", err)
		slog.Error("intent classification failed", "sender_id", senderID, "err", cerr)
		s.send(ctx, senderID, replyNotUnderstood)
		return OutcomeFailed
	}

	action := domain.Action{
		Kind:       domain.KindFromName(name),
		Args:       args,
		SenderID:   senderID,
		ReceivedAt: s.now(),
	}

	switch action.Kind {
	case domain.ActionSave:
		return s.saveExpense(ctx, senderID, action.Args)
	case domain.ActionQueryCategory:
		return s.queryByCategory(ctx, senderID, action.Args)
	case domain.ActionQueryDate:
		return s.queryByDateRange(ctx, senderID, action.Args)
	case domain.ActionUnknown:
		s.send(ctx, senderID, replyNotUnderstood)
		return OutcomeProcessed
	}
	return OutcomeProcessed
}

func (s *DispatchService) handleAttachment(ctx context.Context, senderID string, att domain.Attachment) Outcome {
	extracted, err := s.extract(ctx, att)
	if err != nil {
		slog.Error("attachment extraction failed", "sender_id", senderID, "err", err)
		s.send(ctx, senderID, replySaveFailed)
		return OutcomeFailed
	}
	return s.saveExpense(ctx, senderID, map[string]any{
		"category":    extracted.Category,
		"price":       extracted.Price,
		"description": extracted.Description,
		"date":        extracted.Date,
	})
}

func (s *DispatchService) extract(ctx context.Context, att domain.Attachment) (domain.ExtractedExpense, error) {
	if att.Payload.URL == "" {
		return domain.ExtractedExpense{}, newError(ErrorValidation, "attachment_url_missing", nil)
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	data, err := s.messenger.FetchAttachment(fctx, att.Payload.URL)
	cancel()
	if err != nil {
		return domain.ExtractedExpense{}, newError(ErrorTransport, "attachment_fetch_failed", err)
	}

	mime := "audio/mpeg"
	if att.Type == "image" {
		mime = "image/jpeg"
	}

	mctx, cancel := context.WithTimeout(ctx, modelTimeout)
	out, err := s.model.ExtractExpense(mctx, data, mime)
	cancel()
	if err != nil {
		return domain.ExtractedExpense{}, newError(ErrorExtraction, "extraction_malformed_output", err)
	}
	return out, nil
}

func (s *DispatchService) saveExpense(ctx context.Context, senderID string, args map[string]any) Outcome {
	expense, err := s.normalizeSave(senderID, args)
	if err != nil {
		slog.Error("save rejected before store", "sender_id", senderID, "args", fmt.Sprintf("%v", args), "err", err)
		s.send(ctx, senderID, replySaveFailed)
		return OutcomeFailed
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	err = s.store.Insert(sctx, expense)
	cancel()
	if err != nil {
		reason := "store_insert_failed"
		if errors.Is(err, repository.ErrDuplicateID) {
			reason = "duplicate_expense_id"
		}
		perr := newError(ErrorPersistence, reason, err)
		slog.Error("expense insert failed", "sender_id", senderID, "expense_id", expense.ID, "err", perr)
		s.send(ctx, senderID, replySaveFailed)
		return OutcomeFailed
	}

	s.send(ctx, senderID, confirmationReply(expense))
	return OutcomeProcessed
}

// normalizeSave turns raw classifier/extractor arguments into a storable
// record: fresh identifier, lowercased category and description, current
// date when absent, and a mandatory non-negative numeric price.
func (s *DispatchService) normalizeSave(senderID string, args map[string]any) (domain.Expense, error) {
	price, ok := numericArg(args["price"])
	if !ok {
		return domain.Expense{}, newError(ErrorValidation, "price_missing_or_not_numeric", nil)
	}
	if price < 0 {
		return domain.Expense{}, newError(ErrorValidation, "price_negative", nil)
	}

	date := stringArg(args["date"])
	if date == "" {
		date = s.now().Format(isoDate)
	} else if _, err := time.Parse(isoDate, date); err != nil {
		return domain.Expense{}, newError(ErrorValidation, "date_not_iso", err)
	}

	return domain.Expense{
		ID:          s.newID(),
		UserID:      senderID,
		Date:        date,
		Price:       price,
		Category:    strings.ToLower(strings.TrimSpace(stringArg(args["category"]))),
		Description: strings.ToLower(strings.TrimSpace(stringArg(args["description"]))),
	}, nil
}

func (s *DispatchService) queryByCategory(ctx context.Context, senderID string, args map[string]any) Outcome {
	category := strings.ToLower(strings.TrimSpace(stringArg(args["category"])))
	if category == "" {
		verr := newError(ErrorValidation, "category_missing", nil)
		slog.Error("category query rejected", "sender_id", senderID, "err", verr)
		s.send(ctx, senderID, replyQueryFailed)
		return OutcomeFailed
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	records, err := s.store.QueryByCategory(sctx, senderID, category)
	cancel()
	if err != nil {
		perr := newError(ErrorPersistence, "category_query_failed", err)
		slog.Error("category query failed", "sender_id", senderID, "category", category, "err", perr)
		s.send(ctx, senderID, replyQueryFailed)
		return OutcomeFailed
	}

	if len(records) == 0 {
		s.send(ctx, senderID, replyNoCategory)
		return OutcomeProcessed
	}
	s.send(ctx, senderID, s.renderRecords(ctx, records, stringArg(args["language"])))
	return OutcomeProcessed
}

func (s *DispatchService) queryByDateRange(ctx context.Context, senderID string, args map[string]any) Outcome {
	start := stringArg(args["start_date"])
	end := stringArg(args["end_date"])
	// Missing bounds collapse to a single-day query on the present side.
	switch {
	case start == "" && end == "":
		today := s.now().Format(isoDate)
		start, end = today, today
	case start == "":
		start = end
	case end == "":
		end = start
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	records, err := s.store.QueryByDateRange(sctx, senderID, start, end)
	cancel()
	if err != nil {
		perr := newError(ErrorPersistence, "date_query_failed", err)
		slog.Error("date query failed", "sender_id", senderID, "start", start, "end", end, "err", perr)
		s.send(ctx, senderID, replyQueryFailed)
		return OutcomeFailed
	}

	if len(records) == 0 {
		s.send(ctx, senderID, replyNoDate)
		return OutcomeProcessed
	}
	s.send(ctx, senderID, s.renderRecords(ctx, records, stringArg(args["language"])))
	return OutcomeProcessed
}

// renderRecords asks the formatter model for a short reply and degrades to a
// deterministic listing when formatting fails. Formatting is the one
// non-fatal failure class.
func (s *DispatchService) renderRecords(ctx context.Context, records []domain.Expense, language string) string {
	fctx, cancel := context.WithTimeout(ctx, modelTimeout)
	text, err := s.model.FormatRecords(fctx, records, language)
	cancel()
	if err != nil || strings.TrimSpace(text) == "" {
		slog.Warn("record formatting failed, using fallback listing", "records", len(records), "err", err)
		return fallbackListing(records)
	}
	return text
}

// send delivers a reply best-effort; delivery failures are logged and never
// fail the dispatch.
func (s *DispatchService) send(ctx context.Context, recipientID, text string) {
	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.messenger.SendText(sctx, recipientID, text); err != nil {
		terr := newError(ErrorTransport, "reply_delivery_failed", err)
		slog.Error("failed to send reply", "recipient_id", recipientID, "err", terr)
	}
}

func confirmationReply(e domain.Expense) string {
	return fmt.Sprintf("*%s* saved!\n\n• Amount: %s\n• Description: %s\n• Date: %s",
		strings.ToUpper(e.Category), formatPrice(e.Price), e.Description, e.Date)
}

func fallbackListing(records []domain.Expense) string {
	var b strings.Builder
	var total float64
	for _, r := range records {
		fmt.Fprintf(&b, "• %s %s: %s (%s)\n", r.Date, r.Category, formatPrice(r.Price), r.Description)
		total += r.Price
	}
	fmt.Fprintf(&b, "Total: %s", formatPrice(total))
	return b.String()
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}

// numericArg accepts the numeric shapes the model emits for price: JSON
// numbers arrive as float64, but string-typed payloads show up too.
func numericArg(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func stringArg(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
