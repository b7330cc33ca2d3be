package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	LogLevel       string
	Redis          RedisConfig
	Relay          RelayConfig
	ICE            ICEConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port pair for the Redis client.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// RelayConfig tunes the websocket relay.
type RelayConfig struct {
	MaxRoomParticipants int
	SendBuffer          int
	WriteWait           time.Duration
	PongWait            time.Duration
	MaxMessageSize      int64
	// RequireRooms rejects websocket joins for rooms that were not created
	// through the room API. Otherwise rooms are created on first join.
	RequireRooms bool
}

// PingPeriod must be less than PongWait.
func (c RelayConfig) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// ICEConfig lists STUN/TURN servers handed to peer connections.
type ICEConfig struct {
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
}

// URLs returns the configured ICE server URLs, STUN first.
func (c ICEConfig) URLs() (stun []string, turn []string) {
	if c.STUNServer != "" {
		stun = []string{c.STUNServer}
	}
	if c.TURNServer != "" {
		turn = turnURLs(c.TURNServer)
	}
	return stun, turn
}

const defaultTURNPort = "3478"

// turnURLs expands a TURN server into udp and tcp URLs. The scheme defaults
// to turn: and the port to 3478; a server that already names a transport is
// used as given.
func turnURLs(server string) []string {
	if strings.Contains(server, "?") {
		return []string{server}
	}
	scheme, hostport := "turn", server
	if i := strings.Index(server, ":"); i > 0 && (server[:i] == "turn" || server[:i] == "turns") {
		scheme, hostport = server[:i], server[i+1:]
	}
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(strings.Trim(hostport, "[]"), defaultTURNPort)
	}
	return []string{
		fmt.Sprintf("%s:%s?transport=udp", scheme, hostport),
		fmt.Sprintf("%s:%s?transport=tcp", scheme, hostport),
	}
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	origins := strings.Split(originsStr, ",")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		LogLevel:       getEnv("LOG_LEVEL", "debug"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Relay: RelayConfig{
			MaxRoomParticipants: getEnvInt("MAX_ROOM_PARTICIPANTS", 16),
			SendBuffer:          getEnvInt("SEND_BUFFER", 256),
			WriteWait:           getEnvDuration("WRITE_WAIT", 10*time.Second),
			PongWait:            getEnvDuration("PONG_WAIT", 60*time.Second),
			MaxMessageSize:      int64(getEnvInt("MAX_MESSAGE_SIZE", 64*1024)),
			RequireRooms:        getEnvBool("REQUIRE_ROOMS", false),
		},
		ICE: ICEConfig{
			STUNServer: getEnv("STUN_SERVER", "stun:stun.l.google.com:19302"),
			TURNServer: getEnv("TURN_SERVER", ""),
			TURNUser:   getEnv("TURN_USERNAME", ""),
			TURNPass:   getEnv("TURN_PASSWORD", ""),
		},
	}
}

// BindFlags registers command line overrides for the values already loaded
// from the environment.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Port, "port", "p", c.Port, "listen port")
	fs.StringVar(&c.Environment, "environment", c.Environment, "environment (development|production)")
	fs.StringSliceVar(&c.AllowedOrigins, "allowed-origins", c.AllowedOrigins, "allowed request origins")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "log level")
	fs.StringVar(&c.Redis.Host, "redis-host", c.Redis.Host, "redis host")
	fs.StringVar(&c.Redis.Port, "redis-port", c.Redis.Port, "redis port")
	fs.IntVar(&c.Redis.DB, "redis-db", c.Redis.DB, "redis database")
	fs.IntVar(&c.Relay.MaxRoomParticipants, "max-room-participants", c.Relay.MaxRoomParticipants, "default room capacity, 0 for unlimited")
	fs.IntVar(&c.Relay.SendBuffer, "send-buffer", c.Relay.SendBuffer, "per-connection send queue length")
	fs.DurationVar(&c.Relay.WriteWait, "write-wait", c.Relay.WriteWait, "websocket write deadline")
	fs.DurationVar(&c.Relay.PongWait, "pong-wait", c.Relay.PongWait, "websocket pong deadline")
	fs.Int64Var(&c.Relay.MaxMessageSize, "max-message-size", c.Relay.MaxMessageSize, "maximum inbound message size in bytes")
	fs.BoolVar(&c.Relay.RequireRooms, "require-rooms", c.Relay.RequireRooms, "only admit joins to rooms created through the API")
}

// Validate rejects settings the relay cannot run with.
func (c *Config) Validate() error {
	if c.Relay.SendBuffer < 1 {
		return fmt.Errorf("send buffer must be positive, got %d", c.Relay.SendBuffer)
	}
	if c.Relay.PongWait <= 0 || c.Relay.WriteWait <= 0 {
		return fmt.Errorf("websocket deadlines must be positive")
	}
	if c.Relay.MaxRoomParticipants < 0 {
		return fmt.Errorf("max room participants must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return parsed
}
