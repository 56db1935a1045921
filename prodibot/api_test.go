package prodibot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiRequest sends a request to the bot's API handler. body may be a
// string (sent as-is) or a value to encode as JSON.
func apiRequest(
	t testing.TB,
	bot *Prodibot,
	method string,
	path string,
	body any,
	cookie *http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	switch v := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(v)
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(w, req)
	return w
}

// apiLogin logs in as the admin, returning the session cookie
func apiLogin(t testing.TB, bot *Prodibot, username, password string) *http.Cookie {
	t.Helper()
	w := apiRequest(t, bot, http.MethodPost, apiPathLogin, userLogin{Username: username, Password: password}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	cookie := apiLogin(t, bot, "admin", testAdminPassword)
	assert.True(t, cookie.HttpOnly)
	assert.True(t, cookie.Secure)
	assert.Equal(t, http.SameSiteNoneMode, cookie.SameSite)

	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "admin", decodeJSON[loggedInResponse](t, w).Username)

	w = apiRequest(
		t, bot, http.MethodPost, apiPathLogin,
		userLogin{Username: "admin", Password: "wrong password"}, nil,
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = apiRequest(t, bot, http.MethodPost, apiPathLogin, map[string]string{"username": "admin"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Logout(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	w := apiRequest(t, bot, http.MethodPost, apiPathLogout, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestAPI_Setup(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathSetup, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeJSON[setupResponse](t, w).Required)

	payload := adminSetupPayload{
		Username:        "newadmin",
		Password:        "supersecret1",
		ConfirmPassword: "supersecret1",
	}
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathSetup, payload, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	bot.pendingSetup.Store(true)
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathSetup, nil, nil)
	assert.True(t, decodeJSON[setupResponse](t, w).Required)

	// protected routes are closed until setup is done
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	mismatched := payload
	mismatched.ConfirmPassword = "something else"
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathSetup, mismatched, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	short := adminSetupPayload{Username: "newadmin", Password: "short", ConfirmPassword: "short"}
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathSetup, short, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	blank := payload
	blank.Username = "   "
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathSetup, blank, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.True(t, bot.pendingSetup.Load())

	padded := payload
	padded.Username = "  newadmin  "
	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathSetup, padded, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.False(t, bot.pendingSetup.Load())
	assert.Equal(t, "newadmin", bot.runtimeConfig.AdminUsername)

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.Equal(t, "newadmin", saved.AdminUsername)
	valid, err := VerifyPassword(saved.AdminPassword, "supersecret1")
	require.NoError(t, err)
	assert.True(t, valid)

	newCookie := apiLogin(t, bot, "newadmin", "supersecret1")
	w = apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, newCookie)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_Reminders(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)
	path := apiPrefix + apiPathReminders

	w := apiRequest(
		t, bot, http.MethodPost, path,
		map[string]any{"user_id": testUserID, "task": "drink water", "in_minutes": 30},
		cookie,
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON[Reminder](t, w)
	assert.Equal(t, testNow.Add(30*time.Minute), created.RemindTime())
	assert.Equal(t, "api:admin", created.CreatedBy)
	assert.Equal(t, ReminderStatusPending, created.Status)
	assert.False(t, created.IsRecurring)

	w = apiRequest(
		t, bot, http.MethodPost, path,
		map[string]any{"user_id": testUserID, "task": "gym", "days": "mon", "time": "9am"},
		cookie,
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	routine := decodeJSON[Reminder](t, w)
	assert.True(t, routine.IsRecurring)
	assert.Equal(t, "WEEKLY:0:09:00", routine.RecurrenceRule)
	assert.Equal(t, time.Date(2024, 9, 9, 9, 0, 0, 0, time.UTC), routine.RemindTime())

	for _, bad := range []map[string]any{
		{"user_id": "bob", "task": "x", "in_minutes": 5},
		{"user_id": testUserID, "in_minutes": 5},
		{"user_id": testUserID, "task": "x"},
		{"user_id": testUserID, "task": "x", "in_minutes": 5, "days": "mon", "time": "9am"},
		{"user_id": testUserID, "task": "x", "in_minutes": 0},
		{"user_id": testUserID, "task": "x", "days": "mon"},
		{"user_id": testUserID, "task": "x", "days": "xyz", "time": "9am"},
		{"user_id": testUserID, "task": "x", "remind_at": "2024-09-01T00:00:00Z"},
	} {
		w = apiRequest(t, bot, http.MethodPost, path, bad, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code, "payload: %#v", bad)
	}

	w = apiRequest(t, bot, http.MethodGet, path+"?user_id="+testUserID+"&order=asc", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeJSON[[]Reminder](t, w)
	require.Len(t, listed, 2)
	assert.Equal(t, created.ID, listed[0].ID)
	assert.Equal(t, routine.ID, listed[1].ID)

	w = apiRequest(t, bot, http.MethodGet, path+"?limit=1000", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = apiRequest(t, bot, http.MethodGet, path+"?status=LOST", nil, cookie)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	reminderPath := apiPrefix + "/reminder/" + created.ID
	w = apiRequest(t, bot, http.MethodGet, reminderPath, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "drink water", decodeJSON[Reminder](t, w).Task)

	newTime := time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC)
	w = apiRequest(
		t, bot, http.MethodPatch, reminderPath,
		map[string]any{"task": "drink more water", "remind_at": newTime},
		cookie,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	patched := decodeJSON[Reminder](t, w)
	assert.Equal(t, "drink more water", patched.Task)
	assert.Equal(t, newTime, patched.RemindTime())

	w = apiRequest(
		t, bot, http.MethodPatch, reminderPath,
		map[string]any{"remind_at": "2024-09-01T00:00:00Z"},
		cookie,
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = apiRequest(t, bot, http.MethodDelete, reminderPath, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	w = apiRequest(t, bot, http.MethodGet, reminderPath, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = apiRequest(t, bot, http.MethodDelete, reminderPath, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = apiRequest(t, bot, http.MethodPatch, reminderPath, map[string]any{"task": "x"}, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_FollowUps(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	r, _ := startFollowUp(t, bot, testUserID, "laundry")

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathFollowUps, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeJSON[[]FollowUp](t, w)
	require.Len(t, listed, 1)
	assert.Equal(t, testUserID, listed[0].UserID)

	followUpPath := apiPrefix + "/followup/" + testUserID
	w = apiRequest(t, bot, http.MethodGet, followUpPath, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	f := decodeJSON[FollowUp](t, w)
	assert.Equal(t, "laundry", f.Task)
	assert.Equal(t, FollowUpWaitingForReply, f.Status)
	assert.Len(t, f.Messages, 1)

	w = apiRequest(t, bot, http.MethodDelete, followUpPath, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, OutcomeCleared, getReminder(t, bot, r.ID).Outcome)

	w = apiRequest(t, bot, http.MethodGet, followUpPath, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = apiRequest(t, bot, http.MethodDelete, followUpPath, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_OpenAICompletions(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	_, err := bot.writeDB.Create(
		context.Background(),
		&OpenAICompletion{Kind: completionKindChat, UserID: testUserID, Model: DefaultOpenAIModel, Result: "hi"},
	)
	require.NoError(t, err)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathOpenAICompletions, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	completions := decodeJSON[[]OpenAICompletion](t, w)
	require.Len(t, completions, 1)
	assert.Equal(t, "hi", completions[0].Result)
}

func TestAPI_Stats(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)
	ctx := context.Background()

	startFollowUp(t, bot, testUserID, "laundry")
	addTestReminder(t, bot, testUserID, "one", testNow.Add(time.Hour), "")
	addTestReminder(t, bot, testOtherUserID, "two", testNow.Add(time.Hour), "")
	skipped := addTestReminder(t, bot, testOtherUserID, "three", testNow, "")
	require.NoError(t, bot.reminders.MarkSkipped(ctx, skipped, OutcomeDuplicate))

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathStats, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeJSON[statsResponse](t, w)
	assert.Equal(t, int64(2), stats.Reminders[ReminderStatusPending])
	assert.Equal(t, int64(1), stats.Reminders[ReminderStatusSent])
	assert.Equal(t, int64(1), stats.Reminders[ReminderStatusSkipped])
	assert.Equal(t, int64(0), stats.Reminders[ReminderStatusFailed])
	assert.Equal(t, int64(1), stats.FollowUps[FollowUpWaitingForReply])
	assert.Equal(t, int64(0), stats.FollowUps[FollowUpWaitingToRemind])
	assert.Equal(t, 1, stats.APIRequests["GET "+apiPrefix+apiPathStats])
	assert.Equal(t, 1, stats.APIRequests["POST "+apiPathLogin])
}

func TestAPI_Config(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)
	path := apiPrefix + apiPathConfig

	w := apiRequest(t, bot, http.MethodGet, path, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "argon2id")
	cfg := decodeJSON[RuntimeConfig](t, w)
	assert.Equal(t, DefaultNudgeInterval, cfg.NudgeInterval.Duration)

	w = apiRequest(
		t, bot, http.MethodPatch, path,
		map[string]any{"nudge_interval": "2h", "max_memory_messages": 4, "discord_custom_status": "busy"},
		cookie,
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	updated := decodeJSON[RuntimeConfig](t, w)
	assert.Equal(t, 2*time.Hour, updated.NudgeInterval.Duration)
	assert.Equal(t, 4, updated.MaxMemoryMessages)

	current := bot.RuntimeConfig()
	assert.Equal(t, 2*time.Hour, current.NudgeInterval.Duration)
	assert.Equal(t, "busy", current.DiscordCustomStatus)
	assert.Equal(t, 4, current.Timing().MaxMemoryMessages)

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.Equal(t, 2*time.Hour, saved.NudgeInterval.Duration)
	assert.Equal(t, "admin", saved.AdminUsername)
	assert.NotEmpty(t, saved.AdminPassword)

	for _, bad := range []any{
		`{`,
		map[string]any{"snooze_min": "30s"},
		map[string]any{"snooze_min": "3h", "snooze_max": "1h"},
		map[string]any{"despawn_after": "1h"},
		map[string]any{"max_memory_messages": 0},
		map[string]any{"log_level": "LOUD"},
		map[string]any{"discord_notification_channel_id": "general"},
	} {
		w = apiRequest(t, bot, http.MethodPatch, path, bad, cookie)
		assert.Equal(t, http.StatusBadRequest, w.Code, "payload: %#v", bad)
	}
	assert.Equal(t, 2*time.Hour, bot.RuntimeConfig().NudgeInterval.Duration)
}

func TestAPI_PauseResume(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	health := func() healthCheckResponse {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathHealthCheck, nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		return decodeJSON[healthCheckResponse](t, w)
	}
	assert.False(t, health().Paused)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathPause, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, health().Paused)
	assert.True(t, bot.RuntimeConfig().Paused)

	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathPause, nil, cookie)
	assert.Equal(t, http.StatusConflict, w.Code)

	var saved RuntimeConfig
	require.NoError(t, bot.db.Last(&saved).Error)
	assert.True(t, saved.Paused)

	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathResume, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, health().Paused)

	w = apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathResume, nil, cookie)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_Quit(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathQuit, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-bot.signalStop:
	case <-time.After(5 * time.Second):
		t.Fatal("expected stop signal")
	}
}

func TestAPI_DiscordGatewayBot(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	cookie := apiLogin(t, bot, "admin", testAdminPassword)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathDiscordGatewayBot, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	gb := decodeJSON[discordgo.GatewayBotResponse](t, w)
	assert.Equal(t, "wss://gateway.discord.gg", gb.URL)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	for _, path := range []string{
		apiPathReminders,
		apiPathFollowUps,
		apiPathOpenAICompletions,
		apiPathStats,
		apiPathConfig,
	} {
		w := apiRequest(t, bot, http.MethodGet, apiPrefix+path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := apiRequest(t, bot, http.MethodPost, apiPrefix+apiPathPause, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, bot.paused.Load())
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)

	w := apiRequest(t, bot, http.MethodGet, apiPrefix+apiPathHealthCheck, nil, nil)
	generated := w.Header().Get(xRequestIDHeader)
	_, err := uuid.Parse(generated)
	assert.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathHealthCheck, http.NoBody)
	req.Header.Set(xRequestIDHeader, id)
	rec := httptest.NewRecorder()
	bot.api.engine.ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(xRequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, apiPrefix+apiPathHealthCheck, http.NoBody)
	req.Header.Set(xRequestIDHeader, "not-a-uuid")
	rec = httptest.NewRecorder()
	bot.api.engine.ServeHTTP(rec, req)
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(xRequestIDHeader))
}

func TestPagination(t *testing.T) {
	t.Parallel()
	bot, _, _ := newTestBot(t)
	for i := range 5 {
		addTestReminder(t, bot, testUserID, fmt.Sprintf("task %d", i), testNow.Add(time.Duration(i+1)*time.Hour), "")
	}
	ctx := context.Background()

	page, err := bot.reminders.ListReminders(ctx, ReminderFilter{}, Pagination{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "task 3", page[0].Task)
	assert.Equal(t, "task 2", page[1].Task)

	page, err = bot.reminders.ListReminders(ctx, ReminderFilter{}, Pagination{Order: Ascending, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "task 0", page[0].Task)
}
