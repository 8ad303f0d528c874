// Package config loads the audio configuration and publishes it, retained,
// on "config/audio". It only decodes and fills defaults; range checks are
// left to the capability registry.
package config

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"audiocode-go/bus"
	"audiocode-go/errcode"
	"audiocode-go/types"
)

const (
	serviceName  = "config"
	configPrefix = "config"
)

// TopicAudio carries a types.AudioConfig.
var TopicAudio = bus.T(configPrefix, "audio")

type deviceKey struct{}

// WithDevice records the device ID used to pick an embedded configuration.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, deviceKey{}, device)
}

func DeviceFrom(ctx context.Context) string {
	d, _ := ctx.Value(deviceKey{}).(string)
	return d
}

// EmbeddedConfigLookup allows overriding how configs are resolved.
var EmbeddedConfigLookup = embeddedLookup

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load decodes YAML from r over the defaults. Unknown keys are rejected.
// Empty input yields the defaults.
func Load(r io.Reader) (types.AudioConfig, error) {
	cfg := types.DefaultAudioConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return types.AudioConfig{}, errcode.Wrap(errcode.InvalidPayload, "config.load", err)
	}
	return cfg, nil
}

func LoadBytes(b []byte) (types.AudioConfig, error) { return Load(bytes.NewReader(b)) }

// LoadFile reads a YAML file.
func LoadFile(path string) (types.AudioConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.AudioConfig{}, errcode.Wrap(errcode.Unavailable, "config.open", err)
	}
	defer f.Close()
	return Load(f)
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name string
	path string
	log  *zap.Logger
}

type Option func(*ConfigService)

// WithFile reads the configuration from path instead of the embedded set.
func WithFile(path string) Option { return func(s *ConfigService) { s.path = path } }

func WithLogger(l *zap.Logger) Option { return func(s *ConfigService) { s.log = l } }

func NewConfigService(opts ...Option) *ConfigService {
	s := &ConfigService{Name: serviceName, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve returns the configuration for this process: the file if one was
// given, otherwise the embedded config for the device in ctx.
func (s *ConfigService) Resolve(ctx context.Context) (types.AudioConfig, error) {
	if s.path != "" {
		return LoadFile(s.path)
	}
	device := DeviceFrom(ctx)
	if device == "" {
		return types.AudioConfig{}, errcode.New(errcode.InvalidParams, "config.resolve", "missing device ID in context")
	}
	raw, ok := EmbeddedConfigLookup(device)
	if !ok || len(raw) == 0 {
		return types.AudioConfig{}, errcode.New(errcode.Unavailable, "config.resolve", "no embedded config for device "+device)
	}
	return LoadBytes(raw)
}

// Publish resolves the configuration and publishes it retained. Calling it
// again republishes, which reconfigures a running pipeline.
func (s *ConfigService) Publish(ctx context.Context, conn *bus.Connection) error {
	cfg, err := s.Resolve(ctx)
	if err != nil {
		return err
	}
	conn.Publish(conn.NewMessage(TopicAudio, cfg, true))
	s.log.Info("audio config published",
		zap.String("source", s.source(ctx)),
		zap.Uint32("sample_rate", cfg.Pipeline.SampleRateHz),
		zap.Int("buffer_size", cfg.Pipeline.BufferSizeBytes))
	return nil
}

// Start launches the publisher in a goroutine; failures are logged.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) {
	go func() {
		if err := s.Publish(ctx, conn); err != nil {
			s.log.Error("publish audio config", zap.Error(err))
		}
	}()
}

func (s *ConfigService) source(ctx context.Context) string {
	if s.path != "" {
		return s.path
	}
	return "embedded:" + DeviceFrom(ctx)
}
