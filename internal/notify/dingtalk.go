package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"capsule_farmer/internal/logbus"
)

// DingTalkNotifier posts one markdown message per drop to a robot webhook.
// Posts happen on a background sender so a slow webhook never holds up the
// caller.
type DingTalkNotifier struct {
	webhook string
	secret  string
	bus     *logbus.Bus
	client  *resty.Client
	now     func() time.Time

	queue     chan DropEvent
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func NewDingTalkNotifier(webhook, secret string, bus *logbus.Bus) *DingTalkNotifier {
	d := &DingTalkNotifier{
		webhook: strings.TrimSpace(webhook),
		secret:  strings.TrimSpace(secret),
		bus:     bus,
		client:  resty.New().SetTimeout(10 * time.Second),
		now:     time.Now,
		queue:   make(chan DropEvent, 100),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go d.loop()
	return d
}

type dingTalkMessage struct {
	MsgType  string           `json:"msgtype"`
	Markdown dingTalkMarkdown `json:"markdown"`
}

type dingTalkMarkdown struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type dingTalkResp struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func (d *DingTalkNotifier) NotifyDrop(_ context.Context, evt DropEvent) {
	if d.webhook == "" {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.log("warn", "dingtalk queue full, drop event discarded", map[string]any{"account": evt.Account})
	}
}

// Close posts the queued drops and waits for the sender to exit.
func (d *DingTalkNotifier) Close(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.stop) })
	select {
	case <-d.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *DingTalkNotifier) loop() {
	defer close(d.stopped)
	for {
		select {
		case <-d.stop:
			for {
				select {
				case evt := <-d.queue:
					d.post(evt)
				default:
					return
				}
			}
		case evt := <-d.queue:
			d.post(evt)
		}
	}
}

func (d *DingTalkNotifier) post(evt DropEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Send(ctx, evt); err != nil {
		d.log("warn", "dingtalk notify failed", map[string]any{
			"account": evt.Account,
			"error":   err.Error(),
		})
	}
}

func (d *DingTalkNotifier) log(level, msg string, fields map[string]any) {
	if d.bus != nil {
		d.bus.Log(level, msg, fields)
	}
}

func (d *DingTalkNotifier) Send(ctx context.Context, evt DropEvent) error {
	if d.webhook == "" {
		return nil
	}
	title := fmt.Sprintf("New drop for %s", evt.Account)
	text := new(strings.Builder)
	fmt.Fprintf(text, "### %s\n\n", title)
	fmt.Fprintf(text, "- League: %s\n", safeText(evt.League, "-"))
	fmt.Fprintf(text, "- Reward: %s\n", safeText(evt.Reward, "-"))
	if evt.At > 0 {
		fmt.Fprintf(text, "- Time: %s\n", time.UnixMilli(evt.At).Format("2006-01-02 15:04:05"))
	}

	req := d.client.R().
		SetContext(ctx).
		SetBody(dingTalkMessage{
			MsgType:  "markdown",
			Markdown: dingTalkMarkdown{Title: title, Text: text.String()},
		})
	if d.secret != "" {
		ts, sign := dingTalkSign(d.secret, d.now())
		req.SetQueryParam("timestamp", ts).SetQueryParam("sign", sign)
	}

	var resp dingTalkResp
	r, err := req.SetResult(&resp).Post(d.webhook)
	if err != nil {
		return err
	}
	if r.IsError() {
		return fmt.Errorf("dingtalk: http %d", r.StatusCode())
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("dingtalk: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

// dingTalkSign signs "timestamp\nsecret" with the secret as HMAC-SHA256 key.
func dingTalkSign(secret string, at time.Time) (timestamp string, sign string) {
	timestamp = strconv.FormatInt(at.UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return timestamp, base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
