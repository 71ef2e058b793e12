package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Accounts            Accounts        `yaml:"accounts"`
	Debug               bool            `yaml:"debug"`
	ShowHistoricalDrops bool            `yaml:"showHistoricalDrops"`
	Server              ServerConfig    `yaml:"server"`
	Dashboard           DashboardConfig `yaml:"dashboard"`
	Storage             StorageConfig   `yaml:"storage"`
	Log                 LogConfig       `yaml:"log"`
	Proxy               ProxyConfig     `yaml:"proxy"`
	Limits              LimitsConfig    `yaml:"limits"`
	Restart             RestartConfig   `yaml:"restart"`
	Refresh             RefreshConfig   `yaml:"refresh"`
	Farm                FarmConfig      `yaml:"farm"`
	Provider            ProviderConfig  `yaml:"provider"`
	Notify              NotifyConfig    `yaml:"notify"`
}

type Account struct {
	Name     string `yaml:"-"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Proxy    string `yaml:"proxy"`
}

// Accounts keeps the order in which accounts appear in the file. Both a
// mapping keyed by account name and a sequence of {name, ...} items decode.
type Accounts []Account

func (a *Accounts) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		out := make(Accounts, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			var acc Account
			if err := value.Content[i+1].Decode(&acc); err != nil {
				return fmt.Errorf("accounts.%s: %w", value.Content[i].Value, err)
			}
			acc.Name = value.Content[i].Value
			out = append(out, acc)
		}
		*a = out
		return nil
	case yaml.SequenceNode:
		out := make(Accounts, 0, len(value.Content))
		for i, n := range value.Content {
			var item struct {
				Name    string `yaml:"name"`
				Account `yaml:",inline"`
			}
			if err := n.Decode(&item); err != nil {
				return fmt.Errorf("accounts[%d]: %w", i, err)
			}
			item.Account.Name = item.Name
			out = append(out, item.Account)
		}
		*a = out
		return nil
	default:
		return errors.New("accounts must be a mapping or a list")
	}
}

func (a Accounts) Names() []string {
	out := make([]string, 0, len(a))
	for _, acc := range a {
		out = append(out, acc.Name)
	}
	return out
}

type ServerConfig struct {
	Enabled bool       `yaml:"enabled"`
	Addr    string     `yaml:"addr"`
	Cors    CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type DashboardConfig struct {
	Enabled   bool `yaml:"enabled"`
	RefreshMs int  `yaml:"refreshMs"`
}

func (c DashboardConfig) RefreshInterval() time.Duration {
	if c.RefreshMs <= 0 {
		return time.Second
	}
	return time.Duration(c.RefreshMs) * time.Millisecond
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type LogConfig struct {
	// Path of the JSON log file; "stderr" writes to the terminal.
	Path string `yaml:"path"`
}

type ProxyConfig struct {
	Global string `yaml:"global"`
}

type LimitsConfig struct {
	GlobalQPS       float64 `yaml:"globalQPS"`
	GlobalBurst     int     `yaml:"globalBurst"`
	PerAccountQPS   float64 `yaml:"perAccountQPS"`
	PerAccountBurst int     `yaml:"perAccountBurst"`
}

type RestartConfig struct {
	BaseSeconds   int `yaml:"baseSeconds"`
	MaxSeconds    int `yaml:"maxSeconds"`
	StableMinutes int `yaml:"stableMinutes"`
}

func (c RestartConfig) Base() time.Duration {
	if c.BaseSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.BaseSeconds) * time.Second
}

func (c RestartConfig) Max() time.Duration {
	if c.MaxSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.MaxSeconds) * time.Second
}

func (c RestartConfig) StableAfter() time.Duration {
	if c.StableMinutes <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.StableMinutes) * time.Minute
}

type RefreshConfig struct {
	IntervalSeconds int `yaml:"intervalSeconds"`
}

func (c RefreshConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

type FarmConfig struct {
	WatchIntervalSeconds int `yaml:"watchIntervalSeconds"`
}

func (c FarmConfig) WatchInterval() time.Duration {
	if c.WatchIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WatchIntervalSeconds) * time.Second
}

type ProviderConfig struct {
	BaseURL   string           `yaml:"baseURL"`
	TimeoutMs int              `yaml:"timeoutMs"`
	Retry     ProviderRetryCfg `yaml:"retry"`
	UserAgent string           `yaml:"userAgent"`
	// LoginMode is "api" (default) or "browser".
	LoginMode string       `yaml:"loginMode"`
	Browser   BrowserLogin `yaml:"browser"`
}

type BrowserLogin struct {
	LoginURL         string `yaml:"loginURL"`
	Headless         bool   `yaml:"headless"`
	TokenCookie      string `yaml:"tokenCookie"`
	UsernameSelector string `yaml:"usernameSelector"`
	PasswordSelector string `yaml:"passwordSelector"`
	SubmitSelector   string `yaml:"submitSelector"`
	TimeoutMs        int    `yaml:"timeoutMs"`
}

func (c BrowserLogin) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type ProviderRetryCfg struct {
	Count     int `yaml:"count"`
	WaitMs    int `yaml:"waitMs"`
	MaxWaitMs int `yaml:"maxWaitMs"`
}

func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ProviderRetryCfg) Wait() time.Duration {
	if c.WaitMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.WaitMs) * time.Millisecond
}

func (c ProviderRetryCfg) MaxWait() time.Duration {
	if c.MaxWaitMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

type NotifyConfig struct {
	Email    EmailConfig    `yaml:"email"`
	DingTalk DingTalkConfig `yaml:"dingtalk"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Email    string `yaml:"email"`
	AuthCode string `yaml:"authCode"`
}

type DingTalkConfig struct {
	Webhook string `yaml:"webhook"`
	Secret  string `yaml:"secret"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	cfg := Config{
		ShowHistoricalDrops: true,
		Dashboard:           DashboardConfig{Enabled: true},
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnv resolves ${VAR} references in credentials so secrets can live in
// the environment or a .env file.
func (c *Config) expandEnv() {
	for i := range c.Accounts {
		c.Accounts[i].Username = os.ExpandEnv(c.Accounts[i].Username)
		c.Accounts[i].Password = os.ExpandEnv(c.Accounts[i].Password)
	}
	c.Notify.Email.AuthCode = os.ExpandEnv(c.Notify.Email.AuthCode)
	c.Notify.DingTalk.Webhook = os.ExpandEnv(c.Notify.DingTalk.Webhook)
	c.Notify.DingTalk.Secret = os.ExpandEnv(c.Notify.DingTalk.Secret)
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./sessions/capsule_farmer.db"
	}
	if c.Log.Path == "" {
		c.Log.Path = "./logs/capsule_farmer.log"
	}
	if c.Limits.GlobalQPS <= 0 {
		c.Limits.GlobalQPS = 10
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 10
	}
	if c.Limits.PerAccountQPS <= 0 {
		c.Limits.PerAccountQPS = 2
	}
	if c.Limits.PerAccountBurst <= 0 {
		c.Limits.PerAccountBurst = 2
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "http://127.0.0.1:8081/mock"
	}
	if c.Provider.UserAgent == "" {
		c.Provider.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/128.0.0.0 Safari/537.36"
	}
	if c.Provider.LoginMode == "" {
		c.Provider.LoginMode = "api"
	}
	if c.Provider.Browser.TokenCookie == "" {
		c.Provider.Browser.TokenCookie = "access_token"
	}
	if c.Provider.Browser.UsernameSelector == "" {
		c.Provider.Browser.UsernameSelector = `input[name="username"]`
	}
	if c.Provider.Browser.PasswordSelector == "" {
		c.Provider.Browser.PasswordSelector = `input[name="password"]`
	}
	if c.Provider.Browser.SubmitSelector == "" {
		c.Provider.Browser.SubmitSelector = `button[type="submit"]`
	}
	if c.Provider.Retry.Count < 0 {
		c.Provider.Retry.Count = 0
	}
	for i := range c.Accounts {
		c.Accounts[i].Name = strings.TrimSpace(c.Accounts[i].Name)
	}
}

func (c Config) validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("accounts is required")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, acc := range c.Accounts {
		if acc.Name == "" {
			return errors.New("accounts: name is required")
		}
		if _, ok := seen[acc.Name]; ok {
			return fmt.Errorf("accounts: duplicate account %q", acc.Name)
		}
		seen[acc.Name] = struct{}{}
		if acc.Username == "" || acc.Password == "" {
			return fmt.Errorf("accounts.%s: username and password are required", acc.Name)
		}
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.baseURL is required")
	}
	switch c.Provider.LoginMode {
	case "api":
	case "browser":
		if c.Provider.Browser.LoginURL == "" {
			return errors.New("provider.browser.loginURL is required in browser login mode")
		}
	default:
		return fmt.Errorf("provider.loginMode %q is not supported", c.Provider.LoginMode)
	}
	if c.Restart.BaseSeconds > 0 && c.Restart.MaxSeconds > 0 && c.Restart.MaxSeconds < c.Restart.BaseSeconds {
		return errors.New("restart.maxSeconds must not be smaller than restart.baseSeconds")
	}
	return nil
}
