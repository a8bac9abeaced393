package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Session.Passphrase = "correct horse battery staple"
	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	return cfg
}

func TestDefaultsNeedSecrets(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session: passphrase")
	assert.Contains(t, err.Error(), "auth: jwt_secret or api_key")

	cfg = validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "daemon"
	cfg.LogLevel = "loud"
	cfg.Purchase.MaxAttempts = 0
	cfg.Kafka.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.True(t, strings.HasPrefix(msg, "config validation failed:"))
	assert.Contains(t, msg, `unknown mode "daemon"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "max_attempts must be >= 1")
	assert.Contains(t, msg, "kafka: brokers")
}

func TestValidateAutoRetryCodes(t *testing.T) {
	cases := []struct {
		code string
		want string
	}{
		{"timeout", ""},
		{"CART_FAILED", ""},
		{"CAPTCHA", "needs a human"},
		{"TWO_FACTOR_REQUIRED", "needs a human"},
		{"OUT_OF_STOCK", "cannot be auto-retried"},
		{"NOPE", "unknown auto_retry_codes entry"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			cfg := validConfig()
			cfg.Purchase.AutoRetryCodes = []string{tc.code}
			err := cfg.Validate()
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAttemptBudget(t *testing.T) {
	cfg := validConfig()
	cfg.Purchase.StepTimeout = duration{45 * time.Second}
	cfg.Purchase.FlushTimeout = duration{10 * time.Second}
	// Eight steps, three screenshot/challenge calls, one flush.
	assert.Equal(t, 11*45*time.Second+10*time.Second, cfg.AttemptBudget())

	cfg.Scheduler.ReapGrace = duration{30 * time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler: reap_grace 30s must exceed the longest attempt")

	cfg.Scheduler.ReapGrace = duration{cfg.AttemptBudget()}
	assert.Error(t, cfg.Validate(), "grace equal to the budget can still reap a live attempt")

	cfg.Scheduler.ReapGrace = duration{15 * time.Minute}
	cfg.Session.LockTTL = duration{8 * 45 * time.Second}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session: lock_ttl 6m0s must cover a whole attempt plus finish_timeout")

	cfg.Session.LockTTL = duration{10 * time.Minute}
	require.NoError(t, cfg.Validate())
}

func TestMemoryBackendOnlyInFullMode(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Backend = "memory"
	cfg.Auth.JWTSecret = ""
	require.NoError(t, cfg.Validate(), "memory backend may run an open API")

	cfg.Mode = "server"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory backend only works in mode full")
}

func TestMaxPriceRise(t *testing.T) {
	cfg := validConfig()
	assert.Nil(t, cfg.MaxPriceRise())

	v := int64(200)
	cfg.Purchase.MaxPriceRise = &v
	require.NotNil(t, cfg.MaxPriceRise())
	assert.EqualValues(t, 200, *cfg.MaxPriceRise())

	v = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbbuyer.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "worker"

[purchase]
step_timeout = "20s"
auto_retry_codes = ["TIMEOUT"]
max_price_rise = 300

[browser.storefronts]
"amazon.co.jp" = "https://www.amazon.co.jp"
`), 0o600))

	t.Setenv("ARBBUYER_SESSION_PASSPHRASE", "from-env")
	t.Setenv("ARBBUYER_WORKER_WORKERS", "4")
	t.Setenv("ARBBUYER_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("ARBBUYER_BROWSER_STOREFRONTS", "rakuten.co.jp=https://www.rakuten.co.jp")
	t.Setenv("ARBBUYER_WORKER_BATCH_SIZE", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, 20*time.Second, cfg.Purchase.StepTimeout.Duration)
	assert.Equal(t, []string{"TIMEOUT"}, cfg.Purchase.AutoRetryCodes)
	require.NotNil(t, cfg.Purchase.MaxPriceRise)
	assert.EqualValues(t, 300, *cfg.Purchase.MaxPriceRise)
	assert.Equal(t, "from-env", cfg.Session.Passphrase)
	assert.Equal(t, 4, cfg.Worker.Workers)
	assert.Equal(t, 50, cfg.Worker.BatchSize, "malformed values are ignored")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{
		"amazon.co.jp":  "https://www.amazon.co.jp",
		"rakuten.co.jp": "https://www.rakuten.co.jp",
	}, cfg.Browser.Storefronts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.DSN = "postgres://u:p@h/db"
	cfg.S3.SecretKey = "secret"
	cfg.Auth.APIKey = "key"
	cfg.Browser.Storefronts = map[string]string{"a": "b"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Postgres.DSN)
	assert.Equal(t, redacted, out.S3.SecretKey)
	assert.Equal(t, redacted, out.Session.Passphrase)
	assert.Equal(t, redacted, out.Auth.JWTSecret)
	assert.Equal(t, redacted, out.Auth.APIKey)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Browser.Storefronts["a"] = "changed"
	out.Server.CORSOrigins[0] = "changed"
	assert.Equal(t, "b", cfg.Browser.Storefronts["a"])
	assert.NotEqual(t, "changed", cfg.Server.CORSOrigins[0])
	assert.Equal(t, "postgres://u:p@h/db", cfg.Postgres.DSN)
}
