// Package quizapi is the HTTP client for the question and score store
// service.
package quizapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"discquiz/internal/quiz"
)

var (
	ErrUnavailable = errors.New("quiz api unavailable")
	ErrNoQuestions = errors.New("quiz api has no questions")
)

// APIError is a non-2xx reply.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if strings.TrimSpace(e.Message) == "" {
		return fmt.Sprintf("quiz api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("quiz api: status %d: %s", e.StatusCode, e.Message)
}

const DefaultTimeout = 3 * time.Second

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client; its Timeout is kept as is.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Timeout() time.Duration { return c.httpClient.Timeout }

type questionResponse struct {
	ID      int64  `json:"id"`
	Text    string `json:"text"`
	Answer  any    `json:"answer"`
	Remarks string `json:"remarks"`
}

// RandomQuestion asks the store for one random question.
func (c *Client) RandomQuestion(ctx context.Context) (quiz.Question, error) {
	var payload questionResponse
	err := c.do(ctx, http.MethodGet, "/get-question", nil, &payload)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
		return quiz.Question{}, fmt.Errorf("%w: %s", ErrNoQuestions, apiErr.Message)
	}
	if err != nil {
		return quiz.Question{}, err
	}
	if payload.ID == 0 && strings.TrimSpace(payload.Text) == "" {
		return quiz.Question{}, ErrNoQuestions
	}
	answer, err := parseAnswer(payload.Answer)
	if err != nil {
		return quiz.Question{}, fmt.Errorf("quiz api: question %d: %w", payload.ID, err)
	}
	return quiz.Question{
		ID:      payload.ID,
		Text:    payload.Text,
		Answer:  answer,
		Remarks: payload.Remarks,
	}, nil
}

func parseAnswer(v any) (bool, error) {
	switch a := v.(type) {
	case bool:
		return a, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(a)) {
		case "TRUE", "T":
			return true, nil
		case "FALSE", "F":
			return false, nil
		}
	}
	return false, fmt.Errorf("unrecognized answer %v", v)
}

// RecordAnswer logs one user answer. The store scores it against the
// question's answer.
func (c *Client) RecordAnswer(ctx context.Context, a quiz.Answer) error {
	form := url.Values{}
	form.Set("user_id", strconv.FormatInt(a.UserID, 10))
	form.Set("user_answer", strings.ToUpper(strconv.FormatBool(a.ChoseTrue())))
	form.Set("question_id", strconv.FormatInt(a.QuestionID, 10))
	form.Set("chat_id", strconv.FormatInt(a.ChatID, 10))
	return c.do(ctx, http.MethodPost, "/insert-into-answer-log", form, nil)
}

// Leaderboard returns per-user stats for period, best percentage first.
// Equal percentages keep the store's order.
func (c *Client) Leaderboard(ctx context.Context, period string) ([]quiz.LeaderboardRow, error) {
	path := "/get-user-stats"
	if p := strings.TrimSpace(period); p != "" {
		path += "?" + url.Values{"period": {p}}.Encode()
	}
	var rows []quiz.LeaderboardRow
	if err := c.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Percent > rows[j].Percent })
	return rows, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%w: no base url configured", ErrUnavailable)
	}
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("quiz api: decode %s: %w", path, err)
	}
	return nil
}
