package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v2"
)

// Preferences 用户级偏好：跨项目共享，在会话开始/结束时显式加载和保存。
// APIKey 不写入文件，保存在系统 keyring 中。
type Preferences struct {
	Provider      string `yaml:"provider"`
	TextModel     string `yaml:"text_model"`
	ImageModel    string `yaml:"image_model"`
	UseBatch      bool   `yaml:"use_batch"`
	Concurrency   int    `yaml:"concurrency"`
	AvatarImage   string `yaml:"avatar_image"`
	WatermarkText string `yaml:"watermark_text"`
	AspectRatio   string `yaml:"aspect_ratio"`
	Strategy      string `yaml:"strategy"`

	APIKey string `yaml:"-"`
}

// DefaultPreferences returns the preferences used when no file exists yet.
func DefaultPreferences() Preferences {
	return Preferences{
		// 为空时使用服务端配置 ai.provider
		Provider:    "",
		TextModel:   "gemini-2.5-flash",
		ImageModel:  "gemini-2.5-flash-image",
		UseBatch:    false,
		Concurrency: 4,
		AspectRatio: "9:16",
		Strategy:    "rednote",
	}
}

const (
	keyringService = "StoryToComic"
	keyringAPIKey  = "ai_api_key"
)

// TokenStore abstracts the OS keyring so tests can stub it.
type TokenStore interface {
	Get(service, key string) (string, error)
	Set(service, key, value string) error
	Delete(service, key string) error
}

type osKeyring struct{}

func (osKeyring) Get(service, key string) (string, error) { return keyring.Get(service, key) }
func (osKeyring) Set(service, key, value string) error   { return keyring.Set(service, key, value) }
func (osKeyring) Delete(service, key string) error       { return keyring.Delete(service, key) }

var tokenStore TokenStore = osKeyring{}

// PreferencesPath returns the per-user preferences file path.
func PreferencesPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve config directory: %w", err)
	}
	return filepath.Join(dir, "storytocomic", "preferences.yaml"), nil
}

// LoadPreferences reads the preferences file at path (defaults when missing) and the
// API key from the keyring. An empty path uses PreferencesPath.
func LoadPreferences(path string) (Preferences, error) {
	prefs := DefaultPreferences()
	if path == "" {
		p, err := PreferencesPath()
		if err != nil {
			return prefs, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return prefs, fmt.Errorf("read preferences: %w", err)
	}
	if err == nil {
		var fp Preferences
		if err := yaml.Unmarshal(data, &fp); err != nil {
			return prefs, fmt.Errorf("parse preferences: %w", err)
		}
		mergePreferences(&prefs, &fp)
	}

	key, err := tokenStore.Get(keyringService, keyringAPIKey)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		// keyring 不可用时不阻塞启动，APIKey 可由环境变量提供
		key = ""
	}
	if env := strings.TrimSpace(os.Getenv("STC_AI_API_KEY")); env != "" {
		key = env
	}
	prefs.APIKey = key
	return prefs, nil
}

// SavePreferences writes the preferences YAML and stores a non-empty API key in the keyring.
func SavePreferences(path string, prefs Preferences) error {
	if path == "" {
		p, err := PreferencesPath()
		if err != nil {
			return err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if prefs.APIKey != "" {
		if err := tokenStore.Set(keyringService, keyringAPIKey, prefs.APIKey); err != nil {
			return fmt.Errorf("store api key: %w", err)
		}
	}
	return nil
}

func mergePreferences(dst, src *Preferences) {
	if src.Provider != "" {
		dst.Provider = strings.ToLower(src.Provider)
	}
	if src.TextModel != "" {
		dst.TextModel = src.TextModel
	}
	if src.ImageModel != "" {
		dst.ImageModel = src.ImageModel
	}
	dst.UseBatch = src.UseBatch
	if src.Concurrency > 0 {
		dst.Concurrency = src.Concurrency
	}
	dst.AvatarImage = src.AvatarImage
	dst.WatermarkText = src.WatermarkText
	if src.AspectRatio != "" {
		dst.AspectRatio = src.AspectRatio
	}
	if src.Strategy != "" {
		dst.Strategy = src.Strategy
	}
}
