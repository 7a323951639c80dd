package config

// Storage selects the persistence backend for the address pool.
type Storage struct {
	// Backend is one of "sqlite", "postgres", "leveldb" or "none".
	Backend string `toml:"Backend"`
	// DSN is the gorm connection string for the SQL backends.
	DSN string `toml:"DSN"`
	// Path is the LevelDB directory; relative paths live under DataDir.
	Path                string `toml:"Path"`
	QueueSize           int    `toml:"QueueSize"`
	ShowStats           bool   `toml:"ShowStats"`
	StatIntervalSeconds int    `toml:"StatIntervalSeconds"`
}

// DNS configures the seed responder.
type DNS struct {
	Enabled          bool    `toml:"Enabled"`
	ListenAddress    string  `toml:"ListenAddress"`
	Zone             string  `toml:"Zone"`
	NameServer       string  `toml:"NameServer"`
	TTLSeconds       int     `toml:"TTLSeconds"`
	MaxAnswers       int     `toml:"MaxAnswers"`
	QueriesPerSecond float64 `toml:"QueriesPerSecond"`
}

// Admin configures the operator HTTP endpoint.
type Admin struct {
	Enabled           bool    `toml:"Enabled"`
	ListenAddress     string  `toml:"ListenAddress"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	LogRequests       bool    `toml:"LogRequests"`
}

// Log configures structured logging and the optional rotated file.
type Log struct {
	Env        string `toml:"Env"`
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

// Telemetry configures OTLP export.
type Telemetry struct {
	Enabled  bool   `toml:"Enabled"`
	Endpoint string `toml:"Endpoint"`
	Insecure bool   `toml:"Insecure"`
	Headers  string `toml:"Headers"`
	Metrics  bool   `toml:"Metrics"`
	Traces   bool   `toml:"Traces"`
}
