package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every setting of the monitor.
type Config struct {
	// ListenAddress is the HTTP API listen address.
	ListenAddress string `yaml:"listen_addr"`
	// GRPCAddress enables the gRPC health service when set.
	GRPCAddress string `yaml:"grpc_addr"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// Detection configures the external detection service.
	Detection Detection `yaml:"detection"`
	// Stream configures the transcoder input and output.
	Stream Stream `yaml:"stream"`
	// Supervisor configures restart behaviour.
	Supervisor Supervisor `yaml:"supervisor"`
	// Health configures the stream health monitor.
	Health Health `yaml:"health"`
	// Mail configures SMTP alerts. Alerts are not mailed when Host is empty.
	Mail Mail `yaml:"mail"`
	// MQTT configures MQTT alerts. Alerts are not published when Broker is empty.
	MQTT MQTT `yaml:"mqtt"`
	// Journal configures the outcome journal.
	Journal Journal `yaml:"journal"`
	// Operator configures access to toggle commands.
	Operator Operator `yaml:"operator"`
}

// Detection holds the detection service endpoint and call timeouts.
type Detection struct {
	// BaseURL is the root URL of the detection service.
	BaseURL string `yaml:"base_url"`
	// DetectTimeout bounds the primary detect call.
	DetectTimeout time.Duration `yaml:"detect_timeout"`
	// ControlTimeout bounds record and snapshot calls.
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

// Stream holds the transcoder binary, input and output locations.
type Stream struct {
	// FFmpegPath is the transcoder binary name or path.
	FFmpegPath string `yaml:"ffmpeg_path"`
	// SourceURL is the RTSP input URL. It is also the recording source sent to the detection service.
	SourceURL string `yaml:"source_url"`
	// OutputDir receives the playlist and segments.
	OutputDir string `yaml:"output_dir"`
	// OutputLogLevel filters transcoder output independently of LogLevel.
	// Output lines are info entries, so warn or error silences them.
	OutputLogLevel string `yaml:"output_log_level"`
}

// Supervisor holds restart settings.
type Supervisor struct {
	// Backoff selects the restart policy: fixed or exponential.
	Backoff string `yaml:"backoff"`
	// RestartDelay is the fixed delay, or the first delay of the exponential policy.
	RestartDelay time.Duration `yaml:"restart_delay"`
	// MaxRestartDelay caps the exponential policy.
	MaxRestartDelay time.Duration `yaml:"max_restart_delay"`
	// MaxRestarts stops restarting after this many consecutive failures. Zero means never stop.
	MaxRestarts int `yaml:"max_restarts"`
	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration `yaml:"stop_timeout"`
	// ReapOrphans terminates leftover transcoder processes at boot.
	ReapOrphans bool `yaml:"reap_orphans"`
}

// Health holds health monitor timing.
type Health struct {
	// Period is the delay between the end of one check and the next.
	Period time.Duration `yaml:"period"`
	// Settle is the delay before the first check.
	Settle time.Duration `yaml:"settle"`
	// StaleAfter marks a playlist older than this as missing. Zero disables the check.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Mail holds SMTP settings.
type Mail struct {
	// Host is the SMTP server host.
	Host string `yaml:"host"`
	// Port is the SMTP server port.
	Port int `yaml:"port"`
	// Username authenticates to the SMTP server.
	Username string `yaml:"username"`
	// Password authenticates to the SMTP server.
	Password string `yaml:"password"`
	// From is the sender address. Defaults to Username.
	From string `yaml:"from"`
	// Recipients receive every alert.
	Recipients []string `yaml:"recipients"`
	// Timeout bounds one send.
	Timeout time.Duration `yaml:"timeout"`
}

// MQTT holds broker settings.
type MQTT struct {
	// Broker is the broker address, for example tcp://localhost:1883.
	Broker string `yaml:"broker"`
	// ClientID identifies the monitor to the broker.
	ClientID string `yaml:"client_id"`
	// Topic is the alert topic prefix. The event kind is appended.
	Topic string `yaml:"topic"`
	// QoS is the publish quality of service.
	QoS byte `yaml:"qos"`
	// PayloadFormat is json or msgpack.
	PayloadFormat string `yaml:"payload_format"`
	// Timeout bounds connect and publish.
	Timeout time.Duration `yaml:"timeout"`
}

// Journal holds outcome journal settings.
type Journal struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// Operator holds toggle command access settings.
type Operator struct {
	// Secret signs operator tokens. Empty leaves toggles open.
	Secret string `yaml:"secret"`
}

const (
	// DefaultConfigFilename is the default settings file.
	DefaultConfigFilename = "lab-monitor-settings.yaml"

	// DefaultListenAddress is the default HTTP listen address.
	DefaultListenAddress = "0.0.0.0:3000"

	// DefaultDetectionURL is the default detection service root.
	DefaultDetectionURL = "http://127.0.0.1:8000"

	// DefaultDetectTimeout bounds the primary detect call.
	DefaultDetectTimeout = 15 * time.Second

	// DefaultControlTimeout bounds record and snapshot calls.
	DefaultControlTimeout = 5 * time.Second

	// DefaultFFmpegPath is looked up in PATH.
	DefaultFFmpegPath = "ffmpeg"

	// DefaultOutputDir is where the playlist and segments are written.
	DefaultOutputDir = "videos/ipcam"

	// DefaultRestartDelay is the fixed restart backoff.
	DefaultRestartDelay = 3 * time.Second

	// DefaultMaxRestartDelay caps the exponential backoff.
	DefaultMaxRestartDelay = time.Minute

	// DefaultStopTimeout is the SIGTERM grace period on shutdown.
	DefaultStopTimeout = 5 * time.Second

	// DefaultHealthPeriod is the health check period.
	DefaultHealthPeriod = 10 * time.Second

	// DefaultHealthSettle is the delay before the first health check.
	DefaultHealthSettle = 10 * time.Second

	// DefaultMailPort is the SMTP submission port.
	DefaultMailPort = 587

	// DefaultNotifyTimeout bounds one alert delivery.
	DefaultNotifyTimeout = 10 * time.Second

	// DefaultMQTTTopic is the alert topic prefix.
	DefaultMQTTTopic = "lab-monitor/alerts"

	// DefaultFilePermissions is used when saving settings.
	DefaultFilePermissions = 0o600

	// BackoffFixed restarts after a constant delay forever.
	BackoffFixed = "fixed"
	// BackoffExponential doubles the delay up to a cap.
	BackoffExponential = "exponential"

	// PayloadJSON encodes MQTT alerts as JSON.
	PayloadJSON = "json"
	// PayloadMsgpack encodes MQTT alerts as MessagePack.
	PayloadMsgpack = "msgpack"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errSourceRequired is returned when no stream source is configured.
	errSourceRequired = errors.New("stream source URL must be provided")
	// errUnknownBackoff is returned for an unknown backoff policy name.
	errUnknownBackoff = errors.New("unknown backoff policy")
	// errUnknownPayloadFormat is returned for an unknown MQTT payload format.
	errUnknownPayloadFormat = errors.New("unknown mqtt payload format")
	// errNoRecipients is returned when mail is configured without recipients.
	errNoRecipients = errors.New("mail recipients must be provided")
)

// Load reads configuration from path and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save validates cfg and writes it to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks required fields and fills defaults in place.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if cfg.GRPCAddress != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.GRPCAddress); err != nil {
			return fmt.Errorf("invalid grpc address: %w", err)
		}
	}

	if err := validateDetection(&cfg.Detection); err != nil {
		return err
	}

	if err := validateStream(&cfg.Stream); err != nil {
		return err
	}

	if err := validateSupervisor(&cfg.Supervisor); err != nil {
		return err
	}

	validateHealth(&cfg.Health)

	if err := validateMail(&cfg.Mail); err != nil {
		return err
	}

	return validateMQTT(&cfg.MQTT)
}

func validateDetection(d *Detection) error {
	if d.BaseURL == "" {
		d.BaseURL = DefaultDetectionURL
	}

	if _, err := url.ParseRequestURI(d.BaseURL); err != nil {
		return fmt.Errorf("invalid detection base URL: %w", err)
	}

	if d.DetectTimeout <= 0 {
		d.DetectTimeout = DefaultDetectTimeout
	}

	if d.ControlTimeout <= 0 {
		d.ControlTimeout = DefaultControlTimeout
	}

	return nil
}

func validateStream(s *Stream) error {
	if s.SourceURL == "" {
		return errSourceRequired
	}

	if _, err := url.ParseRequestURI(s.SourceURL); err != nil {
		return fmt.Errorf("invalid stream source URL: %w", err)
	}

	if s.FFmpegPath == "" {
		s.FFmpegPath = DefaultFFmpegPath
	}

	if s.OutputDir == "" {
		s.OutputDir = DefaultOutputDir
	}

	if s.OutputLogLevel == "" {
		s.OutputLogLevel = "info"
	}

	return nil
}

func validateSupervisor(s *Supervisor) error {
	switch s.Backoff {
	case "":
		s.Backoff = BackoffFixed
	case BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("%w: %q", errUnknownBackoff, s.Backoff)
	}

	if s.RestartDelay <= 0 {
		s.RestartDelay = DefaultRestartDelay
	}

	if s.MaxRestartDelay <= 0 {
		s.MaxRestartDelay = DefaultMaxRestartDelay
	}

	if s.MaxRestarts < 0 {
		s.MaxRestarts = 0
	}

	if s.StopTimeout <= 0 {
		s.StopTimeout = DefaultStopTimeout
	}

	return nil
}

func validateHealth(h *Health) {
	if h.Period <= 0 {
		h.Period = DefaultHealthPeriod
	}

	if h.Settle <= 0 {
		h.Settle = DefaultHealthSettle
	}

	if h.StaleAfter < 0 {
		h.StaleAfter = 0
	}
}

func validateMail(m *Mail) error {
	if m.Host == "" {
		return nil
	}

	if len(m.Recipients) == 0 {
		return errNoRecipients
	}

	if m.Port <= 0 {
		m.Port = DefaultMailPort
	}

	if m.From == "" {
		m.From = m.Username
	}

	if m.Timeout <= 0 {
		m.Timeout = DefaultNotifyTimeout
	}

	return nil
}

func validateMQTT(m *MQTT) error {
	if m.Broker == "" {
		return nil
	}

	if _, err := url.ParseRequestURI(m.Broker); err != nil {
		return fmt.Errorf("invalid mqtt broker: %w", err)
	}

	switch m.PayloadFormat {
	case "":
		m.PayloadFormat = PayloadJSON
	case PayloadJSON, PayloadMsgpack:
	default:
		return fmt.Errorf("%w: %q", errUnknownPayloadFormat, m.PayloadFormat)
	}

	if m.ClientID == "" {
		m.ClientID = "lab-monitor"
	}

	if m.Topic == "" {
		m.Topic = DefaultMQTTTopic
	}

	if m.Timeout <= 0 {
		m.Timeout = DefaultNotifyTimeout
	}

	return nil
}
