package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/config"
	"github.com/chadiek/avatar-runtime/internal/gpu"
	"github.com/chadiek/avatar-runtime/internal/llm"
	"github.com/chadiek/avatar-runtime/internal/logger"
	"github.com/chadiek/avatar-runtime/internal/storage"
	"github.com/chadiek/avatar-runtime/internal/transcript"
	"github.com/chadiek/avatar-runtime/internal/tts"
	"github.com/chadiek/avatar-runtime/internal/vad"
)

type stores struct {
	// artifacts receives synthesized audio and stitched videos.
	artifacts storage.Store
	// served is the directory the HTTP layer exposes, nil for remote backends.
	served *storage.Local
}

func buildStores(cfg config.Config, log *logger.Logger) (stores, error) {
	if cfg.StorageBackend == "supabase" {
		sb, err := storage.NewSupabase(storage.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			return stores{}, err
		}
		log.Info("artifact storage", "backend", "supabase", "bucket", cfg.SupabaseBucket)
		return stores{artifacts: sb}, nil
	}
	local, err := storage.NewLocal(cfg.OutputDir, publicBase(cfg))
	if err != nil {
		return stores{}, err
	}
	log.Info("artifact storage", "backend", "local", "dir", cfg.OutputDir, "public_base", local.PublicBase)
	return stores{artifacts: local, served: local}, nil
}

// publicBase is the URL other processes use to reach this server's artifacts.
func publicBase(cfg config.Config) string {
	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL
	}
	host, port, err := net.SplitHostPort(cfg.HTTPAddress)
	if err != nil {
		return "http://localhost:8080"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func buildProviders(cfg config.Config, store storage.Store, log *logger.Logger) (*gpu.Client, agent.Providers, error) {
	gpuClient := gpu.New(cfg.GPUServiceURL)
	p := agent.Providers{Video: gpuClient}

	switch cfg.TranscriberBackend {
	case "", "gpu":
		p.Transcriber = gpuClient
	case "assemblyai":
		p.Transcriber = transcript.NewAssemblyAI(cfg.AssemblyAIKey, log)
	default:
		return nil, p, fmt.Errorf("unknown transcriber backend %q", cfg.TranscriberBackend)
	}

	if cfg.LLMKey == "" {
		p.Responder = llm.Echo{}
	} else {
		chat := llm.NewChatClient(cfg.LLMBaseURL, cfg.LLMKey, cfg.LLMModel)
		chat.SystemPrompt = cfg.SystemPrompt
		chat.Temperature = cfg.LLMTemperature
		chat.MaxTokens = cfg.LLMMaxTokens
		p.Responder = chat
	}

	switch strings.ToLower(cfg.SpeechBackend) {
	case "", "gpu":
		p.Speech = gpuClient
	case "deepgram":
		dg := tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, log)
		p.Speech = &tts.Synthesizer{Source: tts.StreamerFunc(dg.StreamPCM48k), Store: store}
	case "elevenlabs":
		p.Speech = &tts.Synthesizer{Source: tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID), Store: store}
	default:
		return nil, p, fmt.Errorf("unknown speech backend %q", cfg.SpeechBackend)
	}
	return gpuClient, p, nil
}

// buildGate returns the voice check run before transcription, or nil when disabled.
func buildGate(cfg config.Config, log *logger.Logger) agent.AudioGate {
	if !cfg.VADEnabled {
		return nil
	}
	vc := vad.Default()
	vc.Threshold = cfg.VADThreshold
	return vad.NewGate(vc, log)
}
