// Package config loads the client configuration from the environment.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// BridgeAddress serves the UI control websocket.
	BridgeAddress string
	// RelayAddress serves the length-prefixed video feed.
	RelayAddress string
	// ServerURI is the upstream conversational server websocket.
	ServerURI string
	// PlaybackAddress receives paced opus frames for local playback. Empty
	// disables the opus sink.
	PlaybackAddress string

	DeepgramKey   string
	DeepgramModel string
	// SynthIdleWindow ends a synthesis stream after this much audio silence;
	// SynthDeadline bounds one stream outright.
	SynthIdleWindow time.Duration
	SynthDeadline   time.Duration

	IdentityDir  string
	BusyFlagPath string

	ReconnectBackoff time.Duration
	FrameInterval    time.Duration
	DetectEvery      int
	PingInterval     time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment")
	}

	cfg := Config{
		BridgeAddress:    getEnv("BRIDGE_ADDRESS", ":8768"),
		RelayAddress:     getEnv("RELAY_ADDRESS", "localhost:8769"),
		ServerURI:        getEnv("SERVER_URI", "ws://localhost:8765"),
		PlaybackAddress:  os.Getenv("PLAYBACK_ADDRESS"),
		DeepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramModel:    getEnv("DEEPGRAM_MODEL", "aura-2-thalia-en"),
		SynthIdleWindow:  getDuration("SYNTH_IDLE_WINDOW", 400*time.Millisecond),
		SynthDeadline:    getDuration("SYNTH_DEADLINE", 12*time.Second),
		IdentityDir:      getEnv("IDENTITY_DIR", "identity_data"),
		BusyFlagPath:     getEnv("BUSY_FLAG_PATH", ".llm_busy"),
		ReconnectBackoff: getDuration("RECONNECT_BACKOFF", 3*time.Second),
		FrameInterval:    getDuration("FRAME_INTERVAL", 16*time.Millisecond),
		DetectEvery:      getInt("DETECT_EVERY", 5),
		PingInterval:     getDuration("PING_INTERVAL", 20*time.Second),
	}

	if cfg.DeepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - speech synthesis will use timed fallback")
	}

	log.Printf("config: BRIDGE_ADDRESS=%s RELAY_ADDRESS=%s SERVER_URI=%s",
		cfg.BridgeAddress, cfg.RelayAddress, cfg.ServerURI)
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("config: invalid %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		log.Printf("config: invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}
