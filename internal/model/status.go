package model

import "time"

const (
	// NoDropsYet is shown as LastDrop until the first reward of the session.
	NoDropsYet = "no drops this session yet"

	StatusWaiting     = "WAITING"
	StatusStarting    = "STARTING"
	StatusLogin       = "LOGIN"
	StatusLoginFailed = "LOGIN FAILED"
	StatusLive        = "LIVE"
	StatusNoMatches   = "NO LIVE MATCHES"
	StatusPaused      = "PAUSED"
)

// AccountStatus is the operator-visible record of one account.
type AccountStatus struct {
	Account            string    `json:"account"`
	LastCheck          time.Time `json:"lastCheck"`
	TotalDrops         int       `json:"totalDrops"`
	SessionDrops       int       `json:"sessionDrops"`
	LastDrop           string    `json:"lastDrop"`
	LiveMatches        string    `json:"liveMatches"`
	Status             string    `json:"status"`
	FailedLoginCounter int       `json:"failedLoginCounter"`
	LastDropCheckMs    int64     `json:"lastDropCheckMs"`
	Active             bool      `json:"active"`
}
