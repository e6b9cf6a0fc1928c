package mint

import (
	"time"

	"github.com/nutmint/nutmint/cashu/nuts/nut06"
	"github.com/nutmint/nutmint/mint/lightning"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

const (
	DefaultMeltTimeout         = time.Minute
	DefaultQuoteExpiry         = time.Minute * 10
	DefaultRequestCacheSize    = 1024
	DefaultSubscriberQueueSize = 64
)

type Config struct {
	DerivationPathIdx uint32
	Port              int
	MintPath          string
	InputFeePpk       uint
	MintInfo          MintInfo
	Limits            MintLimits
	LightningClient   lightning.Client
	LogLevel          LogLevel
	// how long to wait for an outgoing payment before releasing the inputs
	MeltTimeout time.Duration
	QuoteExpiry time.Duration
	// max number of issuance and swap responses kept for retries
	RequestCacheSize int
	// max messages queued for a websocket subscriber before it is dropped
	SubscriberQueueSize int
	// if set, the admin server listens on this unix socket
	AdminSocketPath string
}

type MintInfo struct {
	Name            string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	URLs            []string
}

type MintMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MeltMethodSettings struct {
	MinAmount uint64
	MaxAmount uint64
}

type MintLimits struct {
	MaxBalance      uint64
	MintingSettings MintMethodSettings
	MeltingSettings MeltMethodSettings
}

func (config *Config) setDefaults() {
	if config.MeltTimeout == 0 {
		config.MeltTimeout = DefaultMeltTimeout
	}
	if config.QuoteExpiry == 0 {
		config.QuoteExpiry = DefaultQuoteExpiry
	}
	if config.RequestCacheSize == 0 {
		config.RequestCacheSize = DefaultRequestCacheSize
	}
	if config.SubscriberQueueSize == 0 {
		config.SubscriberQueueSize = DefaultSubscriberQueueSize
	}
}
