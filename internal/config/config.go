// Package config loads plaza settings from the environment. A .env file in
// the working directory, if present, is loaded first; real environment
// variables take precedence over it. Invalid values are ignored and the
// default is kept.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pixelplaza/plaza/internal/room"
)

// Config holds every setting of the relay server and the headless client.
type Config struct {
	// Relay
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string

	// Backends
	NATSURL    string
	RedisAddr  string
	ServerName string

	// Logging
	LogLevel string
	LogFile  string

	// Client engine
	Room             room.Name
	Name             string
	FrameRate        int
	WalkSpeed        float64
	PositionInterval time.Duration
	PresenceTTL      time.Duration
}

// Default returns the built-in settings.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "plaza-1"
	}
	return Config{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		CORSOrigins:    []string{"*"},

		NATSURL:    "nats://localhost:4222",
		RedisAddr:  "localhost:6379",
		ServerName: host,

		LogLevel: "info",

		Room:             room.Lobby,
		Name:             "Guest",
		FrameRate:        60,
		WalkSpeed:        3.4,
		PositionInterval: 100 * time.Millisecond,
		PresenceTTL:      30 * time.Second,
	}
}

// Load reads .env (if present) and the process environment on top of the
// defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return FromEnv(os.LookupEnv), nil
}

// FromEnv applies variables from lookup on top of the defaults.
func FromEnv(lookup func(string) (string, bool)) Config {
	c := Default()
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	if v := get("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	setInt(&c.WorkerPoolSize, get("WORKER_POOL_SIZE"))
	setInt(&c.MaxConnections, get("MAX_CONNECTIONS"))
	setInt(&c.FrameRate, get("FRAME_RATE"))
	setDuration(&c.ReadTimeout, get("READ_TIMEOUT"))
	setDuration(&c.WriteTimeout, get("WRITE_TIMEOUT"))
	setDuration(&c.PositionInterval, get("POSITION_INTERVAL"))
	setDuration(&c.PresenceTTL, get("PRESENCE_TTL"))

	if v := get("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		if len(origins) > 0 {
			c.CORSOrigins = origins
		}
	}

	if v := get("NATS_URL"); v != "" {
		c.NATSURL = v
	}
	if v := get("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := get("SERVER_NAME"); v != "" {
		c.ServerName = v
	}
	if v := get("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := get("LOG_FILE"); v != "" {
		c.LogFile = v
	}

	if v := get("PLAZA_ROOM"); v != "" {
		if n, err := room.ParseName(v); err == nil {
			c.Room = n
		}
	}
	if v := get("PLAZA_NAME"); v != "" {
		c.Name = v
	}
	if v := get("WALK_SPEED"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.WalkSpeed = f
		}
	}
	return c
}

func setInt(dst *int, v string) {
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		*dst = n
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		*dst = d
	}
}
