// Command mock serves a fake rewards API for local runs of the farmer.
package main

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	dropEvery := flag.Duration("drop-every", 2*time.Minute, "watch time needed for one drop")
	tokenTTL := flag.Duration("token-ttl", 30*time.Minute, "lifetime of issued access tokens")
	flag.Parse()

	m := newRewardsMock(*dropEvery, *tokenTTL, time.Now)
	srv := &http.Server{
		Addr:              *addr,
		Handler:           m.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("mock rewards api listening on %s", *addr)
	log.Fatal(srv.ListenAndServe())
}

type session struct {
	user    string
	expires time.Time
}

type drop struct {
	ID         string `json:"id"`
	League     string `json:"league"`
	Reward     string `json:"reward"`
	EarnedAtMs int64  `json:"earnedAtMs"`
}

type event struct {
	ID          string `json:"id"`
	League      string `json:"league"`
	Title       string `json:"title"`
	StartedAtMs int64  `json:"startedAtMs"`
}

type rewardsMock struct {
	dropEvery time.Duration
	tokenTTL  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	tokens   map[string]session
	refresh  map[string]string
	watched  map[string]time.Duration
	lastBeat map[string]time.Time
	drops    map[string][]drop
	events   []event
}

var rewards = []string{"Capsule", "Emote", "Icon", "Ward skin"}

func newRewardsMock(dropEvery, tokenTTL time.Duration, now func() time.Time) *rewardsMock {
	start := now().UnixMilli()
	return &rewardsMock{
		dropEvery: dropEvery,
		tokenTTL:  tokenTTL,
		now:       now,
		tokens:    map[string]session{},
		refresh:   map[string]string{},
		watched:   map[string]time.Duration{},
		lastBeat:  map[string]time.Time{},
		drops:     map[string][]drop{},
		events: []event{
			{ID: "lec-1", League: "LEC", Title: "G2 vs FNC", StartedAtMs: start},
			{ID: "lck-1", League: "LCK", Title: "T1 vs GEN", StartedAtMs: start},
		},
	}
}

func (m *rewardsMock) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("POST /mock/auth/login", m.handleLogin)
	mux.HandleFunc("POST /mock/auth/refresh", m.handleRefresh)
	mux.HandleFunc("GET /mock/live", m.handleLive)
	mux.HandleFunc("POST /mock/rewards/watch", m.authed(m.handleWatch))
	mux.HandleFunc("GET /mock/rewards/drops", m.authed(m.handleDrops))
	mux.HandleFunc("GET /mock/rewards/drops/total", m.authed(m.handleTotal))
	return mux
}

func (m *rewardsMock) issue(user string) map[string]any {
	token := "mock_token_" + randString(8)
	refresh := "mock_refresh_" + randString(8)
	expires := m.now().Add(m.tokenTTL)
	m.tokens[token] = session{user: user, expires: expires}
	m.refresh[refresh] = user
	return map[string]any{
		"token":        token,
		"refreshToken": refresh,
		"expiresAtMs":  expires.UnixMilli(),
	}
}

func (m *rewardsMock) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	// any non-empty password works except "wrong"
	if body.Username == "" || body.Password == "" || body.Password == "wrong" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "invalid credentials"})
		return
	}
	m.mu.Lock()
	data := m.issue(body.Username)
	m.mu.Unlock()
	http.SetCookie(w, &http.Cookie{Name: "access_token", Value: data["token"].(string), Path: "/"})
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (m *rewardsMock) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.refresh[body.RefreshToken]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "unknown refresh token"})
		return
	}
	delete(m.refresh, body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": m.issue(user)})
}

func (m *rewardsMock) handleLive(w http.ResponseWriter, _ *http.Request) {
	m.mu.Lock()
	events := append([]event(nil), m.events...)
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"events": events}})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, user string)

func (m *rewardsMock) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		m.mu.Lock()
		s, ok := m.tokens[token]
		m.mu.Unlock()
		if !ok || m.now().After(s.expires) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "token expired"})
			return
		}
		next(w, r, s.user)
	}
}

// handleWatch credits the time since the previous heartbeat, capped so a
// client that stops sending heartbeats does not keep earning.
func (m *rewardsMock) handleWatch(w http.ResponseWriter, r *http.Request, user string) {
	var body struct {
		EventID string `json:"eventId"`
		League  string `json:"league"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	now := m.now()
	m.mu.Lock()
	key := user + "/" + body.EventID
	if last, ok := m.lastBeat[key]; ok {
		m.watched[key] += min(now.Sub(last), 2*time.Minute)
	}
	m.lastBeat[key] = now
	for m.dropEvery > 0 && m.watched[key] >= m.dropEvery {
		m.watched[key] -= m.dropEvery
		n := len(m.drops[user])
		m.drops[user] = append(m.drops[user], drop{
			ID:         user + "-" + strconv.Itoa(n+1),
			League:     body.League,
			Reward:     rewards[n%len(rewards)],
			EarnedAtMs: now.UnixMilli(),
		})
	}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (m *rewardsMock) handleDrops(w http.ResponseWriter, r *http.Request, user string) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	m.mu.Lock()
	out := []drop{}
	for _, d := range m.drops[user] {
		if d.EarnedAtMs > since {
			out = append(out, d)
		}
	}
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"drops": out}})
}

func (m *rewardsMock) handleTotal(w http.ResponseWriter, _ *http.Request, user string) {
	m.mu.Lock()
	total := len(m.drops[user])
	m.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"total": total}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randString(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = crand.Read(b)
	return hex.EncodeToString(b)[:n]
}
