// Package config loads the txmanager-worker configuration file.
//
// Every field has a default; a file only needs to name what it changes.
// Command-line flags set explicitly take precedence over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/juno-intents/txmanager/internal/txmanager"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("config: invalid config")

const (
	SignerLocal  = "local"
	SignerRemote = "remote"
	SignerNode   = "node"

	WatcherPolling      = "polling"
	WatcherSubscription = "subscription"
)

type Worker struct {
	RPCURL  string `yaml:"rpc_url"`
	ChainID uint64 `yaml:"chain_id"`

	Watcher string  `yaml:"watcher"`
	Polling Polling `yaml:"polling"`
	Gas     Gas     `yaml:"gas"`
	Signer  Signer  `yaml:"signer"`
	Queue   Queue   `yaml:"queue"`
	Limits  Limits  `yaml:"limits"`
	Journal Journal `yaml:"journal"`
	Archive Archive `yaml:"archive"`

	SecretsDriver string `yaml:"secrets_driver"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

type Polling struct {
	Attempts int           `yaml:"attempts"`
	Interval time.Duration `yaml:"interval"`
}

type Gas struct {
	LimitMultiplier float64 `yaml:"limit_multiplier"`
	MinTipWei       uint64  `yaml:"min_tip_wei"`
}

type Signer struct {
	Mode string `yaml:"mode"`
	// KeyRef names the secret holding the hex private key (local mode).
	KeyRef string `yaml:"key_ref"`
	// URL and TokenRef configure the custody service (remote mode).
	URL      string `yaml:"url"`
	TokenRef string `yaml:"token_ref"`
	// Address is the sending account (remote and node modes).
	Address string `yaml:"address"`
}

type Queue struct {
	Driver       string   `yaml:"driver"`
	Brokers      []string `yaml:"brokers"`
	Group        string   `yaml:"group"`
	RequestTopic string   `yaml:"request_topic"`
	ResultTopic  string   `yaml:"result_topic"`
	FailureTopic string   `yaml:"failure_topic"`
}

type Limits struct {
	MaxInFlight   int     `yaml:"max_in_flight"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type Journal struct {
	Driver string `yaml:"driver"`
	// DSNRef names the secret holding the Postgres DSN.
	DSNRef string `yaml:"dsn_ref"`
}

type Archive struct {
	Driver string `yaml:"driver"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

func Default() Worker {
	return Worker{
		Watcher: WatcherPolling,
		Polling: Polling{
			Attempts: txmanager.DefaultPollingAttempts,
			Interval: txmanager.DefaultPollingInterval,
		},
		Gas:    Gas{LimitMultiplier: 1.2},
		Signer: Signer{Mode: SignerLocal, KeyRef: "TXMANAGER_SIGNER_KEY"},
		Queue: Queue{
			Driver:       "kafka",
			Group:        "txmanager-worker",
			RequestTopic: "txmanager.requests.v1",
			ResultTopic:  "txmanager.results.v1",
			FailureTopic: "txmanager.failures.v1",
		},
		Limits:        Limits{MaxInFlight: 8, RatePerSecond: 5, Burst: 1},
		Journal:       Journal{Driver: "memory", DSNRef: "TXMANAGER_JOURNAL_DSN"},
		Archive:       Archive{Driver: "none", Prefix: "txmanager"},
		SecretsDriver: "env",
	}
}

// Load reads path over Default. An empty path returns the defaults.
func Load(path string) (Worker, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Worker{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := decode(b, &cfg); err != nil {
		return Worker{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func decode(b []byte, cfg *Worker) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c Worker) Validate() error {
	var problems []string
	if strings.TrimSpace(c.RPCURL) == "" {
		problems = append(problems, "rpc_url is required")
	}
	if c.ChainID == 0 {
		problems = append(problems, "chain_id is required")
	}
	switch c.Watcher {
	case WatcherPolling:
	case WatcherSubscription:
		if !strings.HasPrefix(c.RPCURL, "ws://") && !strings.HasPrefix(c.RPCURL, "wss://") {
			problems = append(problems, "subscription watcher needs a ws:// or wss:// rpc_url")
		}
		if c.Polling.Interval <= 0 {
			problems = append(problems, "subscription watcher needs polling.interval > 0")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown watcher %q", c.Watcher))
	}
	if c.Polling.Attempts <= 0 || c.Polling.Interval < 0 {
		problems = append(problems, "polling.attempts must be > 0 and polling.interval >= 0")
	}
	switch c.Signer.Mode {
	case SignerLocal:
		if c.Signer.KeyRef == "" {
			problems = append(problems, "signer.key_ref is required for local signing")
		}
	case SignerRemote:
		if c.Signer.URL == "" || c.Signer.Address == "" {
			problems = append(problems, "signer.url and signer.address are required for remote signing")
		}
	case SignerNode:
		if c.Signer.Address == "" {
			problems = append(problems, "signer.address is required for node signing")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown signer.mode %q", c.Signer.Mode))
	}
	if c.Queue.RequestTopic == "" || c.Queue.ResultTopic == "" || c.Queue.FailureTopic == "" {
		problems = append(problems, "queue topics are required")
	}
	if c.Limits.MaxInFlight <= 0 || c.Limits.RatePerSecond < 0 || c.Limits.Burst <= 0 {
		problems = append(problems, "limits.max_in_flight and limits.burst must be > 0, limits.rate_per_second >= 0")
	}
	switch c.Journal.Driver {
	case "memory":
	case "postgres":
		if c.Journal.DSNRef == "" {
			problems = append(problems, "journal.dsn_ref is required for postgres")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown journal.driver %q", c.Journal.Driver))
	}
	switch c.Archive.Driver {
	case "none", "memory":
	case "s3":
		if c.Archive.Bucket == "" {
			problems = append(problems, "archive.bucket is required for s3")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown archive.driver %q", c.Archive.Driver))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// PollingConfig converts the polling section for txmanager.
func (c Worker) PollingConfig() txmanager.PollingConfig {
	return txmanager.PollingConfig{Attempts: c.Polling.Attempts, Interval: c.Polling.Interval}
}
