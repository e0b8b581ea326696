package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"expense-agent/internal/domain"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Wire shapes for the generateContent endpoint, kept to the minimum the
// adapter needs.
type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text         string        `json:"text,omitempty"`
	InlineData   *inlineData   `json:"inlineData,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type generationConfig struct {
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode string `json:"mode"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// tokenPayload is the expected JSON shape stored in SSM for the API key.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gemini: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused Gemini generateContent client covering the three
// capabilities the dispatch engine needs: forced function selection,
// structured extraction from an attachment, and free-text record formatting.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	textModel   string
	visionModel string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client backed by the given paramstore getter for
// API key retrieval. The key is fetched from SSM on the first model call and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix, textModel, visionModel string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	if strings.TrimSpace(textModel) == "" {
		return nil, errors.New("gemini: text model must not be empty")
	}
	if strings.TrimSpace(visionModel) == "" {
		return nil, errors.New("gemini: vision model must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		textModel:   textModel,
		visionModel: visionModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns
// the cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.tokenParameterName())
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/gemini-api-key"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func generateURL(baseURL, model string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return base + "/models/" + model + ":generateContent"
}

// SelectAction asks the model to route the user's query to exactly one of the
// declared expense functions. The current date is injected because the model
// has no wall-clock access. Returns the selected function name and its
// argument mapping; a response without a function call is an error.
func (c *Client) SelectAction(ctx context.Context, senderID, query string, today time.Time) (string, map[string]any, error) {
	if strings.TrimSpace(query) == "" {
		return "", nil, errors.New("gemini: query must not be empty")
	}

	payload := generateRequest{
		SystemInstruction: &content{Parts: []part{{
			Text: fmt.Sprintf("Date: %s. Route the user's query to one of the declared functions.", today.Format("2006-01-02")),
		}}},
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: fmt.Sprintf("user_id: %q, user_query: %q", senderID, query)}},
		}},
		Tools:      []tool{{FunctionDeclarations: expenseFunctionDeclarations()}},
		ToolConfig: &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: "ANY"}},
	}

	resp, err := c.generate(ctx, c.textModel, payload)
	if err != nil {
		return "", nil, err
	}

	fc := firstFunctionCall(resp)
	if fc == nil {
		return "", nil, errors.New("gemini: no function call in response")
	}
	args := map[string]any{}
	if len(fc.Args) > 0 {
		if err := json.Unmarshal(fc.Args, &args); err != nil {
			return "", nil, fmt.Errorf("gemini: decode function args %q: %w", string(fc.Args), err)
		}
	}
	return fc.Name, args, nil
}

const extractionPrompt = "Detect the expense in the attachment and return a JSON object with keys: category, price, description, date."

// ExtractExpense sends an attachment payload through the vision model with a
// fixed output schema. Fenced output is stripped before parsing; output that
// still does not parse fails closed.
func (c *Client) ExtractExpense(ctx context.Context, data []byte, mimeType string) (domain.ExtractedExpense, error) {
	if len(data) == 0 {
		return domain.ExtractedExpense{}, errors.New("gemini: attachment payload is empty")
	}
	if strings.TrimSpace(mimeType) == "" {
		return domain.ExtractedExpense{}, errors.New("gemini: mime type must not be empty")
	}

	payload := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)}},
				{Text: extractionPrompt},
			},
		}},
		GenerationConfig: &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   extractedExpenseSchema(),
		},
	}

	resp, err := c.generate(ctx, c.visionModel, payload)
	if err != nil {
		return domain.ExtractedExpense{}, err
	}

	text := firstText(resp)
	if strings.TrimSpace(text) == "" {
		return domain.ExtractedExpense{}, errors.New("gemini: no text in extraction response")
	}
	var out domain.ExtractedExpense
	if err := json.Unmarshal([]byte(stripCodeFences(text)), &out); err != nil {
		return domain.ExtractedExpense{}, fmt.Errorf("gemini: decode extraction output %q: %w", text, err)
	}
	return out, nil
}

// recordSummary is the record shape exposed to the formatter model. Internal
// identifiers stay out of the prompt so they cannot leak into the reply.
type recordSummary struct {
	Date        string  `json:"date"`
	Category    string  `json:"category"`
	Price       float64 `json:"price"`
	Description string  `json:"description"`
}

// FormatRecords renders matched records into a short reply in the target
// language. Callers treat any failure as non-fatal and fall back to a
// deterministic rendering.
func (c *Client) FormatRecords(ctx context.Context, records []domain.Expense, language string) (string, error) {
	if len(records) == 0 {
		return "", errors.New("gemini: no records to format")
	}
	if strings.TrimSpace(language) == "" {
		language = "English"
	}

	summaries := make([]recordSummary, len(records))
	for i, r := range records {
		summaries[i] = recordSummary{Date: r.Date, Category: r.Category, Price: r.Price, Description: r.Description}
	}
	listing, err := json.Marshal(summaries)
	if err != nil {
		return "", fmt.Errorf("gemini: marshal records: %w", err)
	}

	prompt := fmt.Sprintf(
		"Summarize these expense records in under 200 characters, in %s, using the localized currency symbol. "+
			"Mention dates, categories and amounts naturally. Do not mention user or record identifiers. Records: %s",
		language, listing,
	)

	resp, err := c.generate(ctx, c.textModel, generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(firstText(resp))
	if text == "" {
		return "", errors.New("gemini: no text in formatting response")
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, model string, payload generateRequest) (*generateResponse, error) {
	if model == "" {
		return nil, errors.New("gemini: model must not be empty")
	}

	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	url := generateURL(c.baseURL, model)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return nil, fmt.Errorf("gemini: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}

	var out generateResponse
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return nil, fmt.Errorf("gemini: decode response: %w", decErr)
	}
	if len(out.Candidates) == 0 {
		return nil, errors.New("gemini: no candidates in response")
	}
	return &out, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func firstFunctionCall(resp *generateResponse) *functionCall {
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.FunctionCall != nil {
			return p.FunctionCall
		}
	}
	return nil
}

func firstText(resp *generateResponse) string {
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("gemini: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("gemini: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("gemini: fetch API key from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("gemini: unmarshal paramstore key value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("gemini: API key is empty")
	}
	return tp.Token, nil
}

// stripCodeFences removes a surrounding markdown code fence, with or without
// a json language tag, from model output before JSON parsing.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func expenseFunctionDeclarations() []functionDeclaration {
	return []functionDeclaration{
		{
			Name:        "save_expense",
			Description: "Persist an expense record to the database.",
			Parameters:  saveExpenseParameters(),
		},
		{
			Name:        "get_expenses_by_category",
			Description: "Fetch all expenses in a given category.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"category": {"type": "string", "description": "Expense category to filter"},
					"language": {"type": "string", "description": "Language of the user's query"}
				},
				"required": ["category"]
			}`),
		},
		{
			Name:        "get_expenses_by_date",
			Description: "Fetch all expenses within a date range.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"start_date": {"type": "string", "description": "Start ISO date"},
					"end_date": {"type": "string", "description": "End ISO date"},
					"language": {"type": "string", "description": "Language of the user's query"}
				},
				"required": ["start_date", "end_date"]
			}`),
		},
	}
}

// saveExpenseParameters embeds the category label set so the model picks from
// the closed list instead of inventing labels.
func saveExpenseParameters() json.RawMessage {
	enum, _ := json.Marshal(domain.Categories)
	return json.RawMessage(fmt.Sprintf(`{
		"type": "object",
		"properties": {
			"category": {"type": "string", "enum": %s},
			"price": {"type": "number", "description": "Amount spent"},
			"description": {"type": "string", "description": "Free-form description"},
			"date": {"type": "string", "description": "ISO date of the expense"}
		},
		"required": ["category", "price"]
	}`, enum))
}

// extractedExpenseSchema is the fixed output schema for attachment extraction.
// category and price are required; description and date are best-effort.
func extractedExpenseSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "OBJECT",
		"required": ["category", "price"],
		"properties": {
			"category": {"type": "STRING"},
			"price": {"type": "NUMBER"},
			"description": {"type": "STRING"},
			"date": {"type": "STRING"}
		}
	}`)
}
