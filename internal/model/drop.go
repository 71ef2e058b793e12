package model

type LiveEvent struct {
	ID          string `json:"id"`
	League      string `json:"league"`
	Title       string `json:"title,omitempty"`
	StartedAtMs int64  `json:"startedAtMs,omitempty"`
}

type Drop struct {
	ID         string `json:"id"`
	Account    string `json:"account"`
	League     string `json:"league,omitempty"`
	Reward     string `json:"reward,omitempty"`
	EarnedAtMs int64  `json:"earnedAtMs"`
}
