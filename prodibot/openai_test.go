package prodibot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestOpenAI_ClassifyReply(t *testing.T) {
	t.Parallel()
	tests := []struct {
		content  string
		expected TaskStatus
	}{
		{"[TASK_DONE]", TaskDone},
		{"  [TASK_DONE]\n", TaskDone},
		{"[TASK_NOT_DONE]", TaskNotDone},
		{"[task_done]", TaskNotDone},
		{"[TASK_DONE].", TaskNotDone},
		{"I think it's done", TaskNotDone},
		{"", TaskNotDone},
	}
	for _, tc := range tests {
		t.Run(
			fmt.Sprintf("%q", tc.content), func(t *testing.T) {
				t.Parallel()
				bot, _, _ := newTestBot(t)
				client := &mockOpenAIClient{}
				bot.openai.client = client
				client.On("CreateChatCompletion", mock.Anything, mock.Anything).
					Return(completionResponse(tc.content), nil)

				status, err := bot.openai.ClassifyReply(
					context.Background(),
					&FollowUp{UserID: testUserID, Task: "laundry"},
					"finished it",
				)
				require.NoError(t, err)
				assert.Equal(t, tc.expected, status)
			},
		)
	}
}

func TestOpenAI_ClassifyReply_Request(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestBot(t)

	f := &FollowUp{UserID: testUserID, Task: "laundry"}
	for i := range 6 {
		f.Messages = append(f.Messages, ChatMessage{Role: "user", Content: fmt.Sprintf("message-%d", i)})
	}

	var req openai.ChatCompletionRequest
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { req = args.Get(1).(openai.ChatCompletionRequest) }).
		Return(completionResponse("[TASK_DONE]"), nil)

	status, err := bot.openai.ClassifyReply(context.Background(), f, "yep")
	require.NoError(t, err)
	assert.Equal(t, TaskDone, status)

	assert.Equal(t, DefaultOpenAIModel, req.Model)
	assert.Equal(t, DefaultOpenAIClassifyMaxTokens, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, classifySystemPrompt, req.Messages[0].Content)

	prompt := req.Messages[1].Content
	assert.True(t, strings.HasPrefix(prompt, "Task: laundry"))
	assert.True(t, strings.HasSuffix(prompt, "User now says: yep"))
	// only the last few messages are sent
	assert.NotContains(t, prompt, "message-1")
	for i := 2; i < 6; i++ {
		assert.Contains(t, prompt, fmt.Sprintf("message-%d", i))
	}
}

func TestOpenAI_ClassifyReply_Error(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestBot(t)
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(openai.ChatCompletionResponse{}, errors.New("rate limited"))

	status, err := bot.openai.ClassifyReply(
		context.Background(),
		&FollowUp{UserID: testUserID, Task: "laundry"},
		"done",
	)
	assert.ErrorContains(t, err, "rate limited")
	assert.Equal(t, TaskNotDone, status)

	completions, err := bot.openai.ListCompletions(context.Background(), Pagination{})
	require.NoError(t, err)
	require.Len(t, completions, 1)
	assert.Equal(t, completionKindClassify, completions[0].Kind)
	assert.Equal(t, "rate limited", completions[0].Error)
}

func TestOpenAI_ChatReply(t *testing.T) {
	t.Parallel()
	bot, _, client := newTestBot(t)

	_, err := bot.openai.ChatReply(context.Background(), &FollowUp{UserID: testUserID, Task: "  "})
	assert.Error(t, err)
	client.AssertNotCalled(t, "CreateChatCompletion", mock.Anything, mock.Anything)

	var req openai.ChatCompletionRequest
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { req = args.Get(1).(openai.ChatCompletionRequest) }).
		Return(completionResponse("  Is it done yet?  "), nil).Once()

	f := &FollowUp{
		UserID: testUserID,
		Task:   "laundry",
		Messages: []ChatMessage{
			{Role: openai.ChatMessageRoleAssistant, Content: "Did you do it?"},
			{Role: openai.ChatMessageRoleUser, Content: "not yet"},
		},
	}
	reply, err := bot.openai.ChatReply(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, "Is it done yet?", reply)

	require.Len(t, req.Messages, 3)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, fmt.Sprintf(chatSystemPromptTemplate, "laundry"), req.Messages[0].Content)
	assert.Equal(t, "not yet", req.Messages[2].Content)
	assert.Equal(t, DefaultOpenAIChatMaxTokens, req.MaxTokens)
	assert.InDelta(t, DefaultOpenAIChatTemperature, req.Temperature, 0.001)

	client.On("CreateChatCompletion", mock.Anything, mock.Anything).
		Return(completionResponse("   "), nil).Once()
	_, err = bot.openai.ChatReply(context.Background(), f)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAI_SetRequestLimit(t *testing.T) {
	t.Parallel()
	o := newOpenAI(DefaultTestConfig(t).OpenAI, nil, nil)
	assert.Equal(t, rate.Inf, o.requestLimiter.Limit())

	o.SetRequestLimit(2.5)
	assert.Equal(t, rate.Limit(2.5), o.requestLimiter.Limit())

	o.SetRequestLimit(0)
	assert.Equal(t, rate.Inf, o.requestLimiter.Limit())
}
