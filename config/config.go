package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full set of tunables for one gateway worker process.
type Config struct {
	Env  string
	Port string

	Redis   RedisConfig
	Channel ChannelConfig
	Session SessionConfig
	Quota   QuotaConfig
	Admin   AdminConfig
	MMS     MMSConfig
}

type RedisConfig struct {
	// Addrs used when no sentinel list is configured.
	MenuSubAddr string
	MenuPubAddr string
	ChatSubAddr string
	ChatPubAddr string

	SentinelAddrs []string
	MasterName    string

	Password string
	DB       int

	ConnRetryInterval time.Duration
	MaxPipelineSize   int

	PostIDKey   string
	UserIDKey   string
	PostsKey    string
	MenuChannel string
	ChatCounter string
	MsgTTL      time.Duration
}

type ChannelConfig struct {
	MaxPosts      int
	CleanupRate   int
	MaxPostsOnSub int
	PostExpiry    time.Duration
}

type SessionConfig struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	PongMissLimit    int // REDESIGN FLAG: hardcoded "2" in the source, now configurable
	SendQueueSize    int
	MaxSubChannels   int
	MaxRanges        int
}

type QuotaConfig struct {
	DefaultAllowed int
	PostInterval   time.Duration
}

type AdminConfig struct {
	Addr      string
	JWTSecret string
}

type MMSConfig struct {
	Host string
	Key  string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading from environment variables")
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	retryMS, _ := strconv.Atoi(getEnv("REDIS_RETRY_MS", "1000"))
	pipelineSize, _ := strconv.Atoi(getEnv("REDIS_MAX_PIPELINE", "64"))
	msgTTLSeconds, _ := strconv.Atoi(getEnv("CHAT_MSG_TTL_SECONDS", "604800"))

	maxPosts, _ := strconv.Atoi(getEnv("CHANNEL_MAX_POSTS", "10000"))
	cleanupRate, _ := strconv.Atoi(getEnv("CHANNEL_CLEANUP_RATE", "128"))
	maxPostsOnSub, _ := strconv.Atoi(getEnv("CHANNEL_MAX_POSTS_ON_SUB", "200"))
	postExpirySeconds, _ := strconv.Atoi(getEnv("CHANNEL_POST_EXPIRY_SECONDS", "2592000"))

	handshakeMS, _ := strconv.Atoi(getEnv("WS_HANDSHAKE_TIMEOUT_MS", "5000"))
	idleMS, _ := strconv.Atoi(getEnv("WS_IDLE_TIMEOUT_MS", "60000"))
	pongMissLimit, _ := strconv.Atoi(getEnv("WS_PONG_MISS_LIMIT", "2"))
	sendQueueSize, _ := strconv.Atoi(getEnv("WS_SEND_QUEUE_SIZE", "256"))
	maxSubChannels, _ := strconv.Atoi(getEnv("WS_MAX_SUB_CHANNELS", "64"))
	maxRanges, _ := strconv.Atoi(getEnv("WS_MAX_RANGES", "5"))

	defaultAllowed, _ := strconv.Atoi(getEnv("QUOTA_DEFAULT_ALLOWED", "100"))
	postIntervalHours, _ := strconv.Atoi(getEnv("QUOTA_POST_INTERVAL_HOURS", "24"))

	var sentinels []string
	if raw := getEnv("REDIS_SENTINEL_ADDRS", ""); raw != "" {
		sentinels = strings.Split(raw, ",")
	}

	return &Config{
		Env:  getEnv("ENV", "development"),
		Port: getEnv("PORT", "8080"),
		Redis: RedisConfig{
			MenuSubAddr:       getEnv("REDIS_MENU_SUB_ADDR", "localhost:6379"),
			MenuPubAddr:       getEnv("REDIS_MENU_PUB_ADDR", "localhost:6379"),
			ChatSubAddr:       getEnv("REDIS_CHAT_SUB_ADDR", "localhost:6379"),
			ChatPubAddr:       getEnv("REDIS_CHAT_PUB_ADDR", "localhost:6379"),
			SentinelAddrs:     sentinels,
			MasterName:        getEnv("REDIS_MASTER_NAME", "mymaster"),
			Password:          getEnv("REDIS_PASSWORD", ""),
			DB:                redisDB,
			ConnRetryInterval: time.Duration(retryMS) * time.Millisecond,
			MaxPipelineSize:   pipelineSize,
			PostIDKey:         getEnv("REDIS_POST_ID_KEY", "post_id_key"),
			UserIDKey:         getEnv("REDIS_USER_ID_KEY", "user_id_key"),
			PostsKey:          getEnv("REDIS_POSTS_KEY", "posts_key"),
			MenuChannel:       getEnv("REDIS_MENU_CHANNEL", "menu-channel"),
			ChatCounter:       getEnv("REDIS_CHAT_COUNTER_KEY", "chat_msgs_counter"),
			MsgTTL:            time.Duration(msgTTLSeconds) * time.Second,
		},
		Channel: ChannelConfig{
			MaxPosts:      maxPosts,
			CleanupRate:   cleanupRate,
			MaxPostsOnSub: maxPostsOnSub,
			PostExpiry:    time.Duration(postExpirySeconds) * time.Second,
		},
		Session: SessionConfig{
			HandshakeTimeout: time.Duration(handshakeMS) * time.Millisecond,
			IdleTimeout:      time.Duration(idleMS) * time.Millisecond,
			PongMissLimit:    pongMissLimit,
			SendQueueSize:    sendQueueSize,
			MaxSubChannels:   maxSubChannels,
			MaxRanges:        maxRanges,
		},
		Quota: QuotaConfig{
			DefaultAllowed: defaultAllowed,
			PostInterval:   time.Duration(postIntervalHours) * time.Hour,
		},
		Admin: AdminConfig{
			Addr:      getEnv("ADMIN_ADDR", ":8090"),
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		},
		MMS: MMSConfig{
			Host: getEnv("MMS_HOST", "https://mms.example.com"),
			Key:  getEnv("MMS_KEY", ""),
		},
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	if fallback == "" {
		log.Printf("WARNING: environment variable %s is not set", key)
	}
	return fallback
}
