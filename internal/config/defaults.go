package config

// DefaultBrokerAddr is the default listen address for the relay broker.
const DefaultBrokerAddr = "127.0.0.1:7171"

// DefaultBrokerURL is where endpoints look for a broker when none is configured.
const DefaultBrokerURL = "ws://127.0.0.1:7171"

// Broker defaults.
const (
	DefaultRedisTTLSeconds   = 24 * 60 * 60
	DefaultMessagesPerSecond = 200
	DefaultMessageBurst      = 400
	DefaultMaxMessageBytes   = 8 << 20
)

// Endpoint defaults, in milliseconds unless noted.
const (
	DefaultBatchWindowMs    = 30
	DefaultCursorDebounceMs = 50
	DefaultApplyTimeoutMs   = 1000
	DefaultReloadInitialMs  = 1000
	DefaultReloadMaxMs      = 30000
	DefaultDedupeCapacity   = 500 // entries
	DefaultPollIntervalMs   = 250
)
