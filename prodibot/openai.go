package prodibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// TaskStatus is the classification of a user's reply to a reminder
type TaskStatus string

const (
	TaskDone    TaskStatus = "[TASK_DONE]"
	TaskNotDone TaskStatus = "[TASK_NOT_DONE]"
)

const (
	completionKindClassify = "classify"
	completionKindChat     = "chat"

	// number of remembered messages included with a classification request
	classifyHistoryMessages = 4
)

var ErrEmptyCompletion = errors.New("no completion choices returned")

const classifySystemPrompt = "You are a classification bot. Determine if the task is complete.\n" +
	"- If message implies completion (done, finished, etc) return: [TASK_DONE]\n" +
	"- Otherwise return: [TASK_NOT_DONE]\n" +
	"Return ONLY one of those tokens."

const chatSystemPromptTemplate = "You are a task manager checking on the user's progress for: %s\n" +
	"Your role is to:\n" +
	"- Check if the task has been completed\n" +
	"- Ask for status updates\n" +
	"- Hold the user accountable\n" +
	"- Redirect off-topic conversation back to completion status\n" +
	"- Do NOT provide help, guidance, or advice - only check completion status\n" +
	"Keep responses brief, direct, and focused on completion status. Be professional but firm."

// OpenAIClient is the subset of the go-openai client used here, so tests
// can swap in a mock.
type OpenAIClient interface {
	CreateChatCompletion(
		ctx context.Context,
		request openai.ChatCompletionRequest,
	) (response openai.ChatCompletionResponse, err error)
}

// OpenAICompletion records a single chat completion request, successful
// or not.
//
//nolint:lll // struct tags can't be split
type OpenAICompletion struct {
	ModelUintID
	ModelUnixTime

	// Kind is 'classify' or 'chat'
	Kind   string `json:"kind" gorm:"index"`
	UserID string `json:"user_id" gorm:"index"`
	Model  string `json:"model"`

	RequestStarted int64 `json:"request_started"`
	RequestEnded   int64 `json:"request_ended"`

	RequestBody  string `json:"request_body"`
	ResponseBody string `json:"response_body,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	// Result is the (trimmed) content of the first choice
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (OpenAICompletion) TableName() string {
	return "openai_completions"
}

// Duration is the time between the request starting and ending
func (c OpenAICompletion) Duration() time.Duration {
	return time.Duration(c.RequestEnded-c.RequestStarted) * time.Millisecond
}

// OpenAI classifies replies to reminders and generates accountability
// chat replies, recording every request to the database.
type OpenAI struct {
	client         OpenAIClient
	config         *OpenAIConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
	db             DBI

	mu *sync.RWMutex // protects requestLimiter
}

func newOpenAI(config *OpenAIConfig, db DBI, httpClient *http.Client) *OpenAI {
	o := &OpenAI{
		config:         config,
		db:             db,
		requestLimiter: newRequestLimiter(config.MaxRequestsPerSecond),
		mu:             &sync.RWMutex{},
	}
	o.logger = slog.New(newComponentHandler(config.LogLevel, "openai"))

	clientCfg := openai.DefaultConfig(config.Token)
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	o.client = openai.NewClientWithConfig(clientCfg)
	return o
}

func newRequestLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// SetRequestLimit updates the request rate limit. 0 removes the limit.
func (o *OpenAI) SetRequestLimit(rps float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rps <= 0 {
		o.requestLimiter.SetLimit(rate.Inf)
		return
	}
	o.requestLimiter.SetLimit(rate.Limit(rps))
}

// waitOnRequestLimiter waits for the request limiter to allow the next request,
// returning any error from the limiter itself
func (o *OpenAI) waitOnRequestLimiter(ctx context.Context) error {
	// not deferred, so SetRequestLimit doesn't wait on a blocked Wait
	o.mu.RLock()
	requestLimiter := o.requestLimiter
	o.mu.RUnlock()
	return requestLimiter.Wait(ctx)
}

// ClassifyReply asks the model whether userMessage means the follow-up's
// task is done. Anything other than exactly [TASK_DONE] is treated as
// not done, including errors (which are also returned).
func (o *OpenAI) ClassifyReply(
	ctx context.Context,
	f *FollowUp,
	userMessage string,
) (TaskStatus, error) {
	history := f.Messages
	if len(history) > classifyHistoryMessages {
		history = history[len(history)-classifyHistoryMessages:]
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return TaskNotDone, fmt.Errorf("error encoding history: %w", err)
	}

	userPrompt := fmt.Sprintf(
		"Task: %s\n\nRecent messages (JSON list of role/content pairs):\n%s\n\nUser now says: %s",
		f.Task,
		historyJSON,
		userMessage,
	)

	req := openai.ChatCompletionRequest{
		Model: o.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens: o.config.ClassifyMaxTokens,
		// go-openai omits a zero temperature, which the API reads as 1
		Temperature: math.SmallestNonzeroFloat32,
	}

	result, err := o.complete(ctx, completionKindClassify, f.UserID, req)
	if err != nil {
		o.logger.ErrorContext(
			ctx,
			"error classifying reply, treating as not done",
			"user_id", f.UserID,
			tint.Err(err),
		)
		return TaskNotDone, err
	}
	if TaskStatus(result) == TaskDone {
		return TaskDone, nil
	}
	return TaskNotDone, nil
}

// ChatReply generates an accountability reply from the follow-up's
// remembered conversation.
func (o *OpenAI) ChatReply(ctx context.Context, f *FollowUp) (string, error) {
	if strings.TrimSpace(f.Task) == "" {
		return "", errors.New("follow-up has no task")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(f.Messages)+1)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: fmt.Sprintf(chatSystemPromptTemplate, f.Task),
		},
	)
	for _, m := range f.Messages {
		messages = append(
			messages,
			openai.ChatCompletionMessage{Role: m.Role, Content: m.Content},
		)
	}

	req := openai.ChatCompletionRequest{
		Model:       o.config.Model,
		Messages:    messages,
		MaxTokens:   o.config.ChatMaxTokens,
		Temperature: o.config.ChatTemperature,
	}
	reply, err := o.complete(ctx, completionKindChat, f.UserID, req)
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", ErrEmptyCompletion
	}
	return reply, nil
}

// complete sends the request, returning the trimmed content of the first
// choice. Every request is saved as an OpenAICompletion.
func (o *OpenAI) complete(
	ctx context.Context,
	kind string,
	userID string,
	req openai.ChatCompletionRequest,
) (string, error) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = o.logger
	}

	if err := o.waitOnRequestLimiter(ctx); err != nil {
		return "", fmt.Errorf("error waiting on request limiter: %w", err)
	}

	rec := &OpenAICompletion{
		Kind:           kind,
		UserID:         userID,
		Model:          req.Model,
		RequestStarted: time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(req); err == nil {
		rec.RequestBody = string(data)
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	rec.RequestEnded = time.Now().UnixMilli()
	defer o.saveCompletion(ctx, logger, rec)

	if err != nil {
		rec.Error = err.Error()
		return "", err
	}

	if data, e := json.Marshal(resp); e == nil {
		rec.ResponseBody = string(data)
	}
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens
	rec.TotalTokens = resp.Usage.TotalTokens

	if len(resp.Choices) == 0 {
		rec.Error = ErrEmptyCompletion.Error()
		return "", ErrEmptyCompletion
	}
	rec.Result = strings.TrimSpace(resp.Choices[0].Message.Content)

	logger.InfoContext(
		ctx,
		"chat completion",
		"kind", kind,
		"user_id", userID,
		"total_tokens", rec.TotalTokens,
		"duration", rec.Duration(),
	)
	return rec.Result, nil
}

func (o *OpenAI) saveCompletion(ctx context.Context, logger *slog.Logger, rec *OpenAICompletion) {
	if o.db == nil {
		return
	}
	if _, err := o.db.Create(context.WithoutCancel(ctx), rec); err != nil {
		logger.ErrorContext(ctx, "error saving completion record", tint.Err(err))
	}
}

// ListCompletions returns a page of recorded completions
func (o *OpenAI) ListCompletions(ctx context.Context, page Pagination) ([]OpenAICompletion, error) {
	var completions []OpenAICompletion
	q := o.db.DB().WithContext(ctx).Model(&OpenAICompletion{})
	err := page.apply(q, "created_at").Find(&completions).Error
	return completions, err
}
