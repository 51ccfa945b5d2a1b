// Package config loads the DIF-wide and per-connection configuration
// documents that parameterize a DTP/DTCP engine: Data Transfer Constants,
// DTPConfig, DTCPConfig and the policy-set parameters they carry.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// globalConfig stores the configuration loaded with command-line overrides
// so other packages can access the same configuration the server loaded.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the full application configuration: the DIF-wide constants
// and default DTP/DTCP documents used by connections that don't override
// them, plus server and logging configuration for the demo/metrics binary.
type Config struct {
	Server    ServerConfig            `json:"server" yaml:"server"`
	Constants DataTransferConstants   `json:"dataTransferConstants" yaml:"dataTransferConstants"`
	DTP       DTPConfig               `json:"dtp" yaml:"dtp"`
	DTCP      DTCPConfig              `json:"dtcp" yaml:"dtcp"`
	Logging   LoggingConfig           `json:"logging" yaml:"logging"`
}

// LoadOptions holds command-line override options.
type LoadOptions struct {
	Host       string
	Port       string
	LogLevel   string
	ConfigFile string
}

// ServerConfig holds the demo/metrics-server configuration.
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host" env:"DTP_HOST" default:"0.0.0.0"`
	Port            string        `json:"port" yaml:"port" env:"DTP_PORT" default:"8080"`
	MetricsPort     string        `json:"metricsPort" yaml:"metricsPort" env:"DTP_METRICS_PORT" default:"9090"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdownTimeout" env:"DTP_SHUTDOWN_TIMEOUT" default:"5s"`
}

// DataTransferConstants are the DIF-wide constants, immutable once
// assigned to a DIF. Lengths are in bytes. internal/pci encodes fixed
// wire widths whatever these values are; Validate checks only
// SequenceNumberLength (at most 4) and MaxPDUSize.
type DataTransferConstants struct {
	AddressLength        int           `json:"addressLength" yaml:"addressLength" env:"DTP_ADDRESS_LENGTH" default:"4"`
	CepIDLength          int           `json:"cepIdLength" yaml:"cepIdLength" env:"DTP_CEP_ID_LENGTH" default:"2"`
	PortIDLength         int           `json:"portIdLength" yaml:"portIdLength" env:"DTP_PORT_ID_LENGTH" default:"4"`
	QosIDLength          int           `json:"qosIdLength" yaml:"qosIdLength" env:"DTP_QOS_ID_LENGTH" default:"2"`
	SequenceNumberLength int           `json:"sequenceNumberLength" yaml:"sequenceNumberLength" env:"DTP_SEQ_NUM_LENGTH" default:"4"`
	LengthLength         int           `json:"lengthLength" yaml:"lengthLength" env:"DTP_LENGTH_LENGTH" default:"2"`
	MaxPDUSize           int           `json:"maxPduSize" yaml:"maxPduSize" env:"DTP_MAX_PDU_SIZE" default:"2048"`
	MaxPDULifetime       time.Duration `json:"maxPduLifetime" yaml:"maxPduLifetime" env:"DTP_MPL" default:"60s"`
	DIFIntegrity         bool          `json:"difIntegrity" yaml:"difIntegrity" env:"DTP_DIF_INTEGRITY" default:"false"`
}

// DTPConfig holds the per-connection DTP configuration.
type DTPConfig struct {
	DTCPPresent             bool          `json:"dtcpPresent" yaml:"dtcpPresent" env:"DTP_DTCP_PRESENT" default:"true"`
	SeqNumRolloverThreshold int           `json:"seqNumRolloverThreshold" yaml:"seqNumRolloverThreshold" env:"DTP_SEQ_ROLLOVER" default:"0"`
	InitialATimer           time.Duration `json:"initialATimer" yaml:"initialATimer" env:"DTP_INITIAL_A" default:"0s"`
	PartialDelivery         bool          `json:"partialDelivery" yaml:"partialDelivery" env:"DTP_PARTIAL_DELIVERY" default:"false"`
	IncompleteDelivery      bool          `json:"incompleteDelivery" yaml:"incompleteDelivery" env:"DTP_INCOMPLETE_DELIVERY" default:"false"`
	InOrderDelivery         bool          `json:"inOrderDelivery" yaml:"inOrderDelivery" env:"DTP_IN_ORDER_DELIVERY" default:"true"`
	MaxSDUGap               int           `json:"maxSduGap" yaml:"maxSduGap" env:"DTP_MAX_SDU_GAP" default:"0"`
}

// WindowConfig configures window-based flow control.
type WindowConfig struct {
	MaxClosedWinQLength int `json:"maxClosedWinqLength" yaml:"maxClosedWinqLength" env:"DTCP_MAX_CWQ_LEN" default:"100"`
	InitialCredit       int `json:"initialCredit" yaml:"initialCredit" env:"DTCP_INITIAL_CREDIT" default:"100"`
}

// RateConfig configures rate-based flow control.
type RateConfig struct {
	SendingRate int           `json:"sendingRate" yaml:"sendingRate" env:"DTCP_SENDING_RATE" default:"0"`
	TimePeriod  time.Duration `json:"timePeriod" yaml:"timePeriod" env:"DTCP_TIME_PERIOD" default:"100ms"`
}

// FlowControlConfig is DTCPConfig's flow control sub-document.
type FlowControlConfig struct {
	WindowBased bool         `json:"windowBased" yaml:"windowBased" env:"DTCP_WINDOW_BASED" default:"true"`
	Window      WindowConfig `json:"window" yaml:"window"`
	RateBased   bool         `json:"rateBased" yaml:"rateBased" env:"DTCP_RATE_BASED" default:"false"`
	Rate        RateConfig   `json:"rate" yaml:"rate"`

	SentBytesThreshold        int `json:"sentBytesThreshold" yaml:"sentBytesThreshold" default:"0"`
	SentBytesPercentThreshold int `json:"sentBytesPercentThreshold" yaml:"sentBytesPercentThreshold" default:"0"`
	SentBuffersThreshold      int `json:"sentBuffersThreshold" yaml:"sentBuffersThreshold" default:"0"`
	RcvdBytesThreshold        int `json:"rcvdBytesThreshold" yaml:"rcvdBytesThreshold" default:"0"`
	RcvdBytesPercentThreshold int `json:"rcvdBytesPercentThreshold" yaml:"rcvdBytesPercentThreshold" default:"0"`
	RcvdBuffersThreshold      int `json:"rcvdBuffersThreshold" yaml:"rcvdBuffersThreshold" default:"0"`

	ClosedWindowPolicy         string `json:"closedWindowPolicy" yaml:"closedWindowPolicy" default:"default"`
	FlowControlOverrunPolicy   string `json:"flowControlOverrunPolicy" yaml:"flowControlOverrunPolicy" default:"default"`
	ReconcileFlowConflictPolicy string `json:"reconcileFlowConflictPolicy" yaml:"reconcileFlowConflictPolicy" default:"default"`
	ReceivingFlowControlPolicy string `json:"receivingFlowControlPolicy" yaml:"receivingFlowControlPolicy" default:"default"`
	RcvrFlowControlPolicy     string `json:"rcvrFlowControlPolicy" yaml:"rcvrFlowControlPolicy" default:"default"`
	RateReductionPolicy       string `json:"rateReductionPolicy" yaml:"rateReductionPolicy" default:"default"`
	NoRateSlowDownPolicy      string `json:"noRateSlowDownPolicy" yaml:"noRateSlowDownPolicy" default:"default"`
	NoOverrideDefaultPeakPolicy string `json:"noOverrideDefaultPeakPolicy" yaml:"noOverrideDefaultPeakPolicy" default:"default"`
}

// RTXControlConfig is DTCPConfig's retransmission control sub-document.
type RTXControlConfig struct {
	MaxTimeRetry      time.Duration `json:"maxTimeRetry" yaml:"maxTimeRetry" env:"DTCP_MAX_TIME_RETRY" default:"3s"`
	DataRetransmitMax int           `json:"dataRetransmitMax" yaml:"dataRetransmitMax" env:"DTCP_DATA_RETRANSMIT_MAX" default:"5"`
	InitialTR         time.Duration `json:"initialTr" yaml:"initialTr" env:"DTCP_INITIAL_TR" default:"100ms"`

	RTXTimerExpiryPolicy  string `json:"rtxTimerExpiryPolicy" yaml:"rtxTimerExpiryPolicy" default:"default"`
	SenderAckPolicy       string `json:"senderAckPolicy" yaml:"senderAckPolicy" default:"default"`
	ReceivingAckListPolicy string `json:"receivingAckListPolicy" yaml:"receivingAckListPolicy" default:"default"`
	RcvrAckPolicy         string `json:"rcvrAckPolicy" yaml:"rcvrAckPolicy" default:"default"`
	SendingAckPolicy      string `json:"sendingAckPolicy" yaml:"sendingAckPolicy" default:"default"`
	RcvrControlAckPolicy  string `json:"rcvrControlAckPolicy" yaml:"rcvrControlAckPolicy" default:"default"`
	RTTEstimatorPolicy    string `json:"rttEstimatorPolicy" yaml:"rttEstimatorPolicy" default:"default"`
}

// DTCPConfig is the top-level DTCP configuration document. FlowControl and
// RTXControl are nil when the corresponding control is not configured for
// the connection.
type DTCPConfig struct {
	FlowControl *FlowControlConfig `json:"flowControl,omitempty" yaml:"flowControl,omitempty"`
	RTXControl  *RTXControlConfig  `json:"rtxControl,omitempty" yaml:"rtxControl,omitempty"`

	LostControlPDUPolicy string `json:"lostControlPduPolicy" yaml:"lostControlPduPolicy" default:"default"`
	DTCPPolicySet        string `json:"dtcpPolicySet" yaml:"dtcpPolicySet" env:"DTCP_POLICY_SET" default:"default"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"DTP_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"DTP_LOG_FORMAT" default:"text"`
	File   string `json:"file" yaml:"file" env:"DTP_LOG_FILE" default:""`
}

// Default returns the configuration document matching every `default:"…"`
// struct tag above.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			MetricsPort:     "9090",
			ShutdownTimeout: 5 * time.Second,
		},
		Constants: DataTransferConstants{
			AddressLength:        4,
			CepIDLength:          2,
			PortIDLength:         4,
			QosIDLength:          2,
			SequenceNumberLength: 4,
			LengthLength:         2,
			MaxPDUSize:           2048,
			MaxPDULifetime:       60 * time.Second,
			DIFIntegrity:         false,
		},
		DTP: DTPConfig{
			DTCPPresent:     true,
			InOrderDelivery: true,
		},
		DTCP: DTCPConfig{
			FlowControl: &FlowControlConfig{
				WindowBased: true,
				Window:      WindowConfig{MaxClosedWinQLength: 100, InitialCredit: 100},
				Rate:        RateConfig{TimePeriod: 100 * time.Millisecond},
				ClosedWindowPolicy:          "default",
				FlowControlOverrunPolicy:    "default",
				ReconcileFlowConflictPolicy: "default",
				ReceivingFlowControlPolicy:  "default",
				RcvrFlowControlPolicy:       "default",
				RateReductionPolicy:         "default",
				NoRateSlowDownPolicy:        "default",
				NoOverrideDefaultPeakPolicy: "default",
			},
			RTXControl: &RTXControlConfig{
				MaxTimeRetry:      3 * time.Second,
				DataRetransmitMax: 5,
				InitialTR:         100 * time.Millisecond,
				RTXTimerExpiryPolicy:   "default",
				SenderAckPolicy:        "default",
				ReceivingAckListPolicy: "default",
				RcvrAckPolicy:          "default",
				SendingAckPolicy:       "default",
				RcvrControlAckPolicy:   "default",
				RTTEstimatorPolicy:     "default",
			},
			LostControlPDUPolicy: "default",
			DTCPPolicySet:        "default",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load loads configuration from environment variables with defaults.
func Load() (*Config, error) {
	return LoadWithOverrides(LoadOptions{})
}

// LoadWithOverrides loads configuration from an optional YAML file
// (LoadOptions.ConfigFile) with environment variable and command-line
// overrides layered on top, command-line taking precedence.
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.ConfigFile != "" {
		if err := loadYAMLFile(opts.ConfigFile, cfg); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", opts.ConfigFile, err)
		}
	}

	cfg.Server.Host = getOverrideOrEnv(opts.Host, "DTP_HOST", cfg.Server.Host)
	cfg.Server.Port = getOverrideOrEnv(opts.Port, "DTP_PORT", cfg.Server.Port)
	cfg.Logging.Level = getOverrideOrEnv(opts.LogLevel, "DTP_LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("DTCP_DATA_RETRANSMIT_MAX"); v != "" && cfg.DTCP.RTXControl != nil {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DTCP.RTXControl.DataRetransmitMax = n
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = cfg
	configMutex.Unlock()

	return cfg, nil
}

// loadYAMLFile decodes a YAML document into cfg, overwriting only the
// fields present in the document; fields the document leaves out keep
// the values cfg already holds, so a sparse document layers over the
// defaults.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// GetGlobalConfig returns the globally stored configuration loaded by the
// server with command-line overrides.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

// Validate validates the configuration and the invariants the engine
// requires of the Data Transfer Constants and DTCPConfig.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %s", c.Server.Port)
	}

	if c.Constants.MaxPDUSize <= 0 {
		return fmt.Errorf("max pdu size must be positive")
	}
	if c.Constants.SequenceNumberLength <= 0 || c.Constants.SequenceNumberLength > 4 {
		return fmt.Errorf("sequence number length must be in (0,4] bytes")
	}

	if fc := c.DTCP.FlowControl; fc != nil {
		if fc.WindowBased && fc.Window.MaxClosedWinQLength <= 0 {
			return fmt.Errorf("max_closed_winq_length must be positive when window-based flow control is enabled")
		}
		if fc.RateBased && fc.Rate.SendingRate <= 0 {
			return fmt.Errorf("sending_rate must be positive when rate-based flow control is enabled")
		}
	}

	if rtx := c.DTCP.RTXControl; rtx != nil {
		if rtx.DataRetransmitMax <= 0 {
			return fmt.Errorf("data_retransmit_max must be positive")
		}
		if rtx.InitialTR <= 0 {
			return fmt.Errorf("initial_tr must be positive")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func getOverrideOrEnv(override, envKey, defaultValue string) string {
	if override != "" {
		return override
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultValue
}
