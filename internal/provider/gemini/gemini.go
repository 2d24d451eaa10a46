// Package gemini implements discovery.Provider against the Gemini
// generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/JakeFAU/vendor-discovery/internal/discovery"
	"github.com/JakeFAU/vendor-discovery/internal/ratelimit"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
	defaultTimeout = 60 * time.Second
	errorBodyLimit = 512

	roleUser  = "user"
	roleModel = "model"
)

// Options configures the Gemini client.
type Options struct {
	APIKey            string
	Model             string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Temperature       float64
	HTTPClient        *http.Client
}

// Provider asks Gemini for vendor candidates, keeping the conversation so
// later calls can build on earlier answers.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	client      *http.Client
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

var _ discovery.Provider = (*Provider)(nil)

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	CandidateCount   int     `json:"candidateCount,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type vendorPayload struct {
	Vendors []struct {
		Name       string   `json:"name"`
		Location   string   `json:"location"`
		Phone      string   `json:"phone"`
		Email      string   `json:"email"`
		Website    string   `json:"website"`
		Categories []string `json:"categories"`
		Notes      string   `json:"notes"`
	} `json:"vendors"`
}

// New builds a Provider.
func New(opts Options, logger *zap.Logger) (*Provider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("gemini api key is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = 0.4
	}
	return &Provider{
		apiKey:      opts.APIKey,
		model:       model,
		baseURL:     baseURL,
		temperature: temperature,
		client:      client,
		limiter:     ratelimit.New(ratelimit.Config{RPS: opts.RequestsPerSecond, Burst: 1}),
		logger:      logger,
	}, nil
}

// Discover sends the prior conversation plus a new request and parses the
// vendors out of the reply.
func (p *Provider) Discover(ctx context.Context, req discovery.Request) (discovery.Result, error) {
	prompt := BuildPrompt(req)
	contents := make([]content, 0, len(req.History)+1)
	for _, turn := range req.History {
		contents = append(contents, toContent(turn))
	}
	contents = append(contents, content{Role: roleUser, Parts: []part{{Text: prompt}}})

	payload := generateRequest{
		Contents: contents,
		GenerationConfig: &generationConfig{
			Temperature:      p.temperature,
			CandidateCount:   1,
			ResponseMimeType: "application/json",
		},
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return discovery.Result{}, errors.Wrap(err, "encode gemini request")
	}

	endpoint := p.endpoint()
	if err := p.limiter.Wait(ctx, endpoint); err != nil {
		return discovery.Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return discovery.Result{}, errors.Wrap(err, "build gemini request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return discovery.Result{}, errors.Wrap(err, "call gemini")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return discovery.Result{}, errors.Wrap(err, "read gemini response")
	}
	if resp.StatusCode >= 300 {
		snippet := raw
		if len(snippet) > errorBodyLimit {
			snippet = snippet[:errorBodyLimit]
		}
		return discovery.Result{}, errors.Newf("gemini returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return discovery.Result{}, errors.Wrap(err, "decode gemini response")
	}
	text := extractText(out)
	if text == "" {
		return discovery.Result{}, errors.New("gemini returned no text")
	}
	vendors, err := ParseVendors(text)
	if err != nil {
		return discovery.Result{}, err
	}
	p.logger.Debug("gemini answered",
		zap.String("model", p.model),
		zap.Int("vendors", len(vendors)),
		zap.Int("history_turns", len(req.History)),
	)

	history := make([]discovery.Turn, 0, len(req.History)+2)
	history = append(history, req.History...)
	history = append(history,
		discovery.Turn{Role: discovery.RoleRequester, Parts: []string{prompt}},
		discovery.Turn{Role: discovery.RoleResponder, Parts: []string{text}},
	)
	return discovery.Result{Vendors: vendors, History: history, Raw: raw}, nil
}

func (p *Provider) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, url.PathEscape(p.model))
}

func toContent(turn discovery.Turn) content {
	role := roleUser
	if turn.Role == discovery.RoleResponder {
		role = roleModel
	}
	parts := make([]part, 0, len(turn.Parts))
	for _, text := range turn.Parts {
		parts = append(parts, part{Text: text})
	}
	return content{Role: role, Parts: parts}
}

func extractText(resp generateResponse) string {
	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if strings.TrimSpace(p.Text) != "" {
				return p.Text
			}
		}
	}
	return ""
}

// BuildPrompt renders the request as an instruction for the model.
func BuildPrompt(req discovery.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Find %d real, currently operating wedding %s vendors serving %s.\n", req.Count, req.Specialty, req.Area)
	b.WriteString("Only include businesses you are confident exist. Do not repeat vendors from earlier in this conversation.\n")
	if len(req.ExcludeNames) > 0 {
		b.WriteString("Do not include any of these vendors:\n")
		for _, name := range req.ExcludeNames {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}
	b.WriteString(`Respond with JSON only: {"vendors":[{"name":"","location":"","phone":"","email":"","website":"","categories":[],"notes":""}]}`)
	return b.String()
}

// ParseVendors extracts vendor candidates from a model reply, tolerating
// code fences and prose around the JSON.
func ParseVendors(text string) ([]discovery.Candidate, error) {
	cleaned := extractJSONFragment(text)
	if cleaned == "" {
		return nil, errors.New("gemini reply has no JSON payload")
	}
	var payload vendorPayload
	if strings.HasPrefix(cleaned, "[") {
		if err := json.Unmarshal([]byte(cleaned), &payload.Vendors); err != nil {
			return nil, errors.Wrap(err, "parse vendor list")
		}
	} else if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return nil, errors.Wrap(err, "parse vendor payload")
	}
	out := make([]discovery.Candidate, 0, len(payload.Vendors))
	for _, v := range payload.Vendors {
		if strings.TrimSpace(v.Name) == "" {
			continue
		}
		out = append(out, discovery.Candidate{
			Name:       strings.TrimSpace(v.Name),
			Location:   strings.TrimSpace(v.Location),
			Phone:      strings.TrimSpace(v.Phone),
			Email:      strings.TrimSpace(v.Email),
			Website:    strings.TrimSpace(v.Website),
			Categories: v.Categories,
			Notes:      strings.TrimSpace(v.Notes),
		})
	}
	return out, nil
}

func extractJSONFragment(raw string) string {
	text := trimCodeFence(strings.TrimSpace(raw))
	if text == "" {
		return ""
	}
	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "]}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}

func trimCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}
