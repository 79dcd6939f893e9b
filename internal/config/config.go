package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string `yaml:"http_address"`
	LogMode        string `yaml:"log_mode"`
	PublicBaseURL  string `yaml:"public_base_url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	// AuthToken, when set, is required on every API request.
	AuthToken string `yaml:"auth_token"`

	GPUServiceURL   string        `yaml:"gpu_service_url"`
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
	VideoTimeout    time.Duration `yaml:"video_timeout"`

	// TranscriberBackend selects "gpu" or "assemblyai".
	TranscriberBackend string `yaml:"transcriber_backend"`
	AssemblyAIKey      string `yaml:"assemblyai_api_key"`

	LLMBaseURL     string  `yaml:"llm_base_url"`
	LLMKey         string  `yaml:"llm_api_key"`
	LLMModel       string  `yaml:"llm_model"`
	SystemPrompt   string  `yaml:"system_prompt"`
	LLMTemperature float64 `yaml:"llm_temperature"`
	LLMMaxTokens   int     `yaml:"llm_max_tokens"`

	// SpeechBackend selects "gpu", "deepgram" or "elevenlabs".
	SpeechBackend     string `yaml:"speech_backend"`
	DeepgramKey       string `yaml:"deepgram_api_key"`
	DeepgramModel     string `yaml:"deepgram_model"`
	ElevenLabsKey     string `yaml:"elevenlabs_api_key"`
	ElevenLabsVoiceID string `yaml:"elevenlabs_voice_id"`
	VoiceReference    string `yaml:"voice_reference"`
	ReferenceImage    string `yaml:"reference_image"`

	MaxChunkChars int `yaml:"max_chunk_chars"`
	LookAhead     int `yaml:"look_ahead"`
	HistoryTurns  int `yaml:"history_turns"`

	// StorageBackend selects "local" or "supabase".
	StorageBackend         string `yaml:"storage_backend"`
	OutputDir              string `yaml:"output_dir"`
	SupabaseURL            string `yaml:"supabase_url"`
	SupabaseServiceRoleKey string `yaml:"supabase_service_role_key"`
	SupabaseBucket         string `yaml:"supabase_bucket"`

	RedisAddr      string        `yaml:"redis_addr"`
	TurnLockTTL    time.Duration `yaml:"turn_lock_ttl"`
	SessionIdleTTL time.Duration `yaml:"session_idle_ttl"`

	FFmpegPath string `yaml:"ffmpeg_path"`

	// VADEnabled rejects silent WAV uploads and trims silence before transcription.
	VADEnabled   bool    `yaml:"vad_enabled"`
	VADThreshold float64 `yaml:"vad_threshold"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		HTTPAddress:        ":8080",
		LogMode:            "dev",
		MaxUploadBytes:     25 << 20,
		GPUServiceURL:      "http://localhost:8001",
		ProviderTimeout:    60 * time.Second,
		VideoTimeout:       10 * time.Minute,
		TranscriberBackend: "gpu",
		LLMBaseURL:         "https://api.openai.com/v1",
		LLMModel:           "gpt-4o-mini",
		SystemPrompt:       "You are a helpful, concise avatar assistant. Answer clearly and briefly.",
		LLMTemperature:     0.7,
		LLMMaxTokens:       150,
		SpeechBackend:      "gpu",
		DeepgramModel:      "aura-2-thalia-en",
		MaxChunkChars:      150,
		LookAhead:          2,
		HistoryTurns:       5,
		StorageBackend:     "local",
		OutputDir:          "/tmp/avatar-runtime-output",
		SupabaseBucket:     "avatar-artifacts",
		TurnLockTTL:        15 * time.Minute,
		SessionIdleTTL:     30 * time.Minute,
		FFmpegPath:         "ffmpeg",
		VADEnabled:         true,
		VADThreshold:       300,
	}
}

// Load reads .env, an optional YAML file named by CONFIG_FILE, then environment
// variables (highest precedence). Warnings describe settings that disable a capability.
func Load() (Config, []string, error) {
	var warnings []string
	if err := godotenv.Load(); err != nil {
		warnings = append(warnings, "no .env file loaded")
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, warnings, err
		}
	}
	cfg.applyEnv()
	warnings = append(warnings, cfg.Validate()...)
	return cfg, warnings, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddress = getEnv("HTTP_ADDRESS", c.HTTPAddress)
	c.LogMode = getEnv("LOG_MODE", c.LogMode)
	c.PublicBaseURL = getEnv("PUBLIC_BASE_URL", c.PublicBaseURL)
	c.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_BYTES", int(c.MaxUploadBytes)))
	c.AuthToken = getEnv("AUTH_TOKEN", c.AuthToken)

	c.GPUServiceURL = getEnv("GPU_SERVICE_URL", c.GPUServiceURL)
	c.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", c.ProviderTimeout)
	c.VideoTimeout = getEnvDuration("VIDEO_TIMEOUT", c.VideoTimeout)

	c.TranscriberBackend = strings.ToLower(getEnv("TRANSCRIBER_BACKEND", c.TranscriberBackend))
	c.AssemblyAIKey = getEnv("ASSEMBLYAI_API_KEY", c.AssemblyAIKey)

	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMKey = getEnv("LLM_API_KEY", c.LLMKey)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.SystemPrompt = getEnv("SYSTEM_PROMPT", c.SystemPrompt)
	c.LLMTemperature = getEnvFloat("LLM_TEMPERATURE", c.LLMTemperature)
	c.LLMMaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLMMaxTokens)

	c.SpeechBackend = strings.ToLower(getEnv("SPEECH_BACKEND", c.SpeechBackend))
	c.DeepgramKey = getEnv("DEEPGRAM_API_KEY", c.DeepgramKey)
	c.DeepgramModel = getEnv("DEEPGRAM_MODEL", c.DeepgramModel)
	c.ElevenLabsKey = getEnv("ELEVENLABS_API_KEY", c.ElevenLabsKey)
	c.ElevenLabsVoiceID = getEnv("ELEVENLABS_VOICE_ID", c.ElevenLabsVoiceID)
	c.VoiceReference = getEnv("VOICE_REFERENCE", c.VoiceReference)
	c.ReferenceImage = getEnv("REFERENCE_IMAGE", c.ReferenceImage)

	c.MaxChunkChars = getEnvInt("MAX_CHUNK_CHARS", c.MaxChunkChars)
	c.LookAhead = getEnvInt("LOOK_AHEAD", c.LookAhead)
	c.HistoryTurns = getEnvInt("HISTORY_TURNS", c.HistoryTurns)

	c.StorageBackend = strings.ToLower(getEnv("STORAGE_BACKEND", c.StorageBackend))
	c.OutputDir = getEnv("OUTPUT_DIR", c.OutputDir)
	c.SupabaseURL = getEnv("SUPABASE_URL", c.SupabaseURL)
	c.SupabaseServiceRoleKey = getEnv("SUPABASE_SERVICE_ROLE_KEY", c.SupabaseServiceRoleKey)
	c.SupabaseBucket = getEnv("SUPABASE_BUCKET", c.SupabaseBucket)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.TurnLockTTL = getEnvDuration("TURN_LOCK_TTL", c.TurnLockTTL)
	c.SessionIdleTTL = getEnvDuration("SESSION_IDLE_TTL", c.SessionIdleTTL)

	c.FFmpegPath = getEnv("FFMPEG_PATH", c.FFmpegPath)
	c.VADEnabled = getEnvBool("VAD_ENABLED", c.VADEnabled)
	c.VADThreshold = getEnvFloat("VAD_THRESHOLD", c.VADThreshold)
}

// Validate clamps out-of-range values and reports settings that leave a capability disabled.
func (c *Config) Validate() []string {
	var warnings []string
	if c.MaxChunkChars < 2 {
		warnings = append(warnings, fmt.Sprintf("MAX_CHUNK_CHARS=%d too small, using 2", c.MaxChunkChars))
		c.MaxChunkChars = 2
	}
	if c.LookAhead < 1 {
		c.LookAhead = 1
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	}
	if c.TranscriberBackend == "assemblyai" && c.AssemblyAIKey == "" {
		warnings = append(warnings, "ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	if c.LLMKey == "" {
		warnings = append(warnings, "LLM_API_KEY not set - replies will echo the transcript")
	}
	if c.SpeechBackend == "deepgram" && c.DeepgramKey == "" {
		warnings = append(warnings, "DEEPGRAM_API_KEY not set - TTS will not work")
	}
	if c.SpeechBackend == "elevenlabs" && (c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "") {
		warnings = append(warnings, "ELEVENLABS_API_KEY/ELEVENLABS_VOICE_ID not set - TTS will not work")
	}
	if c.ReferenceImage == "" {
		warnings = append(warnings, "REFERENCE_IMAGE not set - avatar video generation will fail")
	}
	if c.StorageBackend == "supabase" && (c.SupabaseURL == "" || c.SupabaseServiceRoleKey == "") {
		warnings = append(warnings, "SUPABASE_URL/SUPABASE_SERVICE_ROLE_KEY not set - falling back to local storage")
		c.StorageBackend = "local"
	}
	return warnings
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
