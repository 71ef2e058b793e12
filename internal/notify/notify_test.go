package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"capsule_farmer/internal/model"
)

type staticSettings struct {
	settings model.EmailSettings
	ok       bool
	err      error
}

func (s staticSettings) GetEmailSettings(context.Context) (model.EmailSettings, bool, error) {
	return s.settings, s.ok, s.err
}

type recorder struct {
	mu      sync.Mutex
	batches [][]DropEvent
}

func (r *recorder) send(_ context.Context, _ model.EmailSettings, events []DropEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, events)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

var enabled = staticSettings{
	settings: model.EmailSettings{Enabled: true, Email: "farmer@gmail.com", AuthCode: "code"},
	ok:       true,
}

func TestEmailNotifierBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		scenario string
		given    staticSettings
		window   time.Duration
		events   int
		batches  int
	}{
		{scenario: "immediate", given: enabled, window: 0, events: 3, batches: 3},
		{scenario: "flushed on close", given: enabled, window: time.Hour, events: 3, batches: 1},
		{scenario: "disabled", given: staticSettings{settings: model.EmailSettings{Email: "farmer@gmail.com", AuthCode: "x"}, ok: true}, window: 0, events: 2, batches: 0},
		{scenario: "not configured", given: staticSettings{}, window: 0, events: 2, batches: 0},
		{scenario: "settings error", given: staticSettings{err: errors.New("boom")}, window: 0, events: 1, batches: 0},
		{scenario: "invalid address", given: staticSettings{settings: model.EmailSettings{Enabled: true, Email: "nope", AuthCode: "x"}, ok: true}, window: 0, events: 1, batches: 0},
	}

	for _, tt := range tests {
		t.Run(tt.scenario, func(t *testing.T) {
			rec := &recorder{}
			n := NewEmailNotifier(tt.given, nil, WithSummaryWindow(tt.window), withSender(rec.send))
			for i := range tt.events {
				n.NotifyDrop(t.Context(), DropEvent{Account: "alice", Reward: "Capsule", At: int64(i + 1)})
			}
			if tt.batches > 0 && tt.window == 0 {
				require.Eventually(t, func() bool { return rec.count() == tt.batches }, time.Second, 5*time.Millisecond)
			}
			require.NoError(t, n.Close(t.Context()))
			require.Equal(t, tt.batches, rec.count())
		})
	}
}

func TestEmailNotifierCloseIsIdempotent(t *testing.T) {
	n := NewEmailNotifier(enabled, nil, withSender((&recorder{}).send))
	require.NoError(t, n.Close(t.Context()))
	require.NoError(t, n.Close(t.Context()))
}

func TestSMTPConfigForEmail(t *testing.T) {
	tests := []struct {
		given string
		host  string
		port  int
		ssl   bool
	}{
		{given: "a@gmail.com", host: "smtp.gmail.com", port: 587},
		{given: "a@outlook.com", host: "smtp.office365.com", port: 587},
		{given: "a@qq.com", host: "smtp.qq.com", port: 465, ssl: true},
		{given: "a@vip.163.com", host: "smtp.163.com", port: 465, ssl: true},
		{given: "a@example.org", host: "smtp.example.org", port: 465, ssl: true},
	}
	for _, tt := range tests {
		t.Run(tt.given, func(t *testing.T) {
			host, port, ssl, err := smtpConfigForEmail(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.host, host)
			require.Equal(t, tt.port, port)
			require.Equal(t, tt.ssl, ssl)
		})
	}

	_, _, _, err := smtpConfigForEmail("broken")
	require.Error(t, err)
}

func TestSummaryBody(t *testing.T) {
	events := []DropEvent{
		{Account: "alice", League: "LEC", Reward: "Capsule", At: time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local).UnixMilli()},
		{Account: "bob", At: time.Date(2024, 5, 1, 11, 0, 0, 0, time.Local).UnixMilli()},
	}
	html, text, err := buildSummaryEmailBody(events)
	require.NoError(t, err)
	require.Contains(t, html, "alice")
	require.Contains(t, html, "Capsule")
	require.Contains(t, text, "2 new drops between 2024-05-01 10:00:00 and 2024-05-01 11:00:00")
	require.Contains(t, text, "- 2024-05-01 11:00:00 | bob | - | -")

	require.Equal(t, "New drop for alice: Capsule", buildSummarySubject(events[:1]))
	require.Equal(t, "2 new drops", buildSummarySubject(events))

	_, _, err = buildSummaryEmailBody(nil)
	require.Error(t, err)
}

func TestDingTalkSend(t *testing.T) {
	at := time.UnixMilli(1700000000000)

	var got struct {
		query webhookQuery
		body  dingTalkMessage
	}
	errcode := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.query = webhookQuery{
			token:     r.URL.Query().Get("access_token"),
			timestamp: r.URL.Query().Get("timestamp"),
			sign:      r.URL.Query().Get("sign"),
		}
		_ = json.NewDecoder(r.Body).Decode(&got.body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dingTalkResp{ErrCode: errcode, ErrMsg: "bad sign"})
	}))
	defer srv.Close()

	d := NewDingTalkNotifier(srv.URL+"/robot/send?access_token=abc", "SEC123", nil)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	d.now = func() time.Time { return at }

	require.NoError(t, d.Send(t.Context(), DropEvent{Account: "alice", League: "LEC", Reward: "Capsule"}))
	require.Equal(t, "abc", got.query.token)
	require.Equal(t, "1700000000000", got.query.timestamp)

	mac := hmac.New(sha256.New, []byte("SEC123"))
	mac.Write([]byte("1700000000000\nSEC123"))
	require.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), got.query.sign)

	require.Equal(t, "markdown", got.body.MsgType)
	require.Equal(t, "New drop for alice", got.body.Markdown.Title)
	require.Contains(t, got.body.Markdown.Text, "- League: LEC")
	require.Contains(t, got.body.Markdown.Text, "- Reward: Capsule")

	errcode = 310000
	require.ErrorContains(t, d.Send(t.Context(), DropEvent{Account: "alice"}), "errcode 310000")
}

func TestDingTalkWithoutWebhook(t *testing.T) {
	d := NewDingTalkNotifier("", "", nil)
	require.NoError(t, d.Send(t.Context(), DropEvent{Account: "alice"}))
	d.NotifyDrop(t.Context(), DropEvent{Account: "alice"})
	require.NoError(t, d.Close(t.Context()))
}

func TestDingTalkNotifyDoesNotWaitForWebhook(t *testing.T) {
	release := make(chan struct{})
	var posted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		posted.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(dingTalkResp{})
	}))
	defer srv.Close()

	d := NewDingTalkNotifier(srv.URL, "", nil)
	for range 3 {
		d.NotifyDrop(t.Context(), DropEvent{Account: "alice", Reward: "Capsule"})
	}
	// the webhook is still blocked
	require.Zero(t, posted.Load())

	close(release)
	require.NoError(t, d.Close(t.Context()))
	require.Equal(t, int32(3), posted.Load())
}

type webhookQuery struct {
	token     string
	timestamp string
	sign      string
}

func TestMulti(t *testing.T) {
	rec := &recorder{}
	email := NewEmailNotifier(enabled, nil, WithSummaryWindow(time.Hour), withSender(rec.send))
	m := Multi{Nop{}, email}
	m.NotifyDrop(t.Context(), DropEvent{Account: "alice"})
	m.NotifyDrop(t.Context(), DropEvent{Account: "bob"})
	require.NoError(t, m.Close(t.Context()))
	require.Equal(t, 1, rec.count())
	require.Len(t, rec.batches[0], 2)
}
