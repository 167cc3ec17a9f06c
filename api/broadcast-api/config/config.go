package config

import (
	"fmt"
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/KevinLetsTruck/audioroad-broadcast-sub001/pkg/configs"
)

// Room backend selectors for the room_backend setting; which one is wired at
// startup is fixed for the deployment, and all calls go through it.
const (
	RoomBackendTwilio = "twilio"
	RoomBackendSFU    = "sfu"
	RoomBackendCloud  = "cloud"
)

// TwilioConfig holds conference-provider credentials and webhook settings.
type TwilioConfig struct {
	AccountSID   string `mapstructure:"account_sid"`
	AuthToken    string `mapstructure:"auth_token"`
	CallbackHost string `mapstructure:"callback_host"`
	// HoldAudioURL is played to held participants so they hear the live
	// program feed instead of silence.
	HoldAudioURL string `mapstructure:"hold_audio_url"`
}

// SFUConfig holds the signaling gateway settings for the WebRTC room backend.
type SFUConfig struct {
	GatewayURL           string `mapstructure:"gateway_url"`
	KeepAliveSeconds     int    `mapstructure:"keepalive_seconds"`
	ReconnectMaxAttempts int    `mapstructure:"reconnect_max_attempts"`
}

// CloudRoomConfig holds the SIP-trunked cloud room service settings.
type CloudRoomConfig struct {
	Host      string `mapstructure:"host"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// BroadcastConfig is the full service configuration.
type BroadcastConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level"`

	PostgresConfig configs.PostgresConfig `mapstructure:"postgres" validate:"required"`
	RedisConfig    configs.RedisConfig    `mapstructure:"redis" validate:"required"`

	// RoomBackend selects the active room/conference implementation:
	// "twilio", "sfu", or "cloud".
	RoomBackend string `mapstructure:"room_backend" validate:"required,oneof=twilio sfu cloud"`

	TwilioConfig    TwilioConfig    `mapstructure:"twilio"`
	SFUConfig       SFUConfig       `mapstructure:"sfu"`
	CloudRoomConfig CloudRoomConfig `mapstructure:"cloud_room"`

	// MaxRoomParticipants caps membership for rooms this service creates.
	MaxRoomParticipants int `mapstructure:"max_room_participants"`
}

// InitConfig reads the env-style config file and environment variables.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}
	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("service_name", "broadcast-api")
	v.SetDefault("version", "1.0.0")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 9500)
	v.SetDefault("log_level", "info")
	v.SetDefault("room_backend", RoomBackendTwilio)
	v.SetDefault("max_room_participants", 20)
	v.SetDefault("sfu__keepalive_seconds", 30)
	v.SetDefault("sfu__reconnect_max_attempts", 8)
}

// GetConfig unmarshals and validates the broadcast service configuration.
func GetConfig(v *viper.Viper) (*BroadcastConfig, error) {
	var cfg BroadcastConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
