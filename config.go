package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jinzhu/configor"
	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type AppConfig struct {
	Provider    ProviderConfig
	Concurrency int   `default:"1"`
	MaxAttempts int   `default:"10"`
	RetryDelay  time.Duration
	PartSize    int64 `default:"268435456"`
	StateFile   string
	LockFile    string `default:"~/.bucketmirror/bucketmirror.lock"`
	LogLevel    string `default:"info"`
	LogFormat   string `default:"text"`
	LogFile     string
	Notify      NotifyConfig
	Sync        []SyncConfig
}

type ProviderConfig struct {
	Type           string `default:"s3"`
	Endpoint       string
	Region         string `default:"us-east-1"`
	Profile        string
	KeyID          string
	ApplicationKey string
}

type NotifyConfig struct {
	Topic   string
	Region  string
	Profile string
}

type SyncConfig struct {
	SourceFolder      string `required:"true"`
	DestinationBucket string `required:"true"`
	TargetPath        string
	Exclude           []string
	IgnoreFile        string
	Interval          int `default:"60"`
	PreClean          CleanPolicy
}

type CleanPolicy struct {
	UnfinishedUploads bool
	PriorVersions     bool
}

// envOverrides are the variables the single-folder deployment is driven by.
type envOverrides struct {
	KeyID          string `env:"KEY_ID"`
	ApplicationKey string `env:"APPLICATION_KEY"`
	SourceDir      string `env:"SOURCE_DIR"`
	TargetBucket   string `env:"TARGET_BUCKET"`
	TargetPath     string `env:"TARGET_PATH"`
}

// LoadConfig reads the optional config file, then applies a .env file and
// the environment on top of it.
func LoadConfig(configFile string) (AppConfig, error) {
	var appConfig AppConfig

	if dotenvErr := godotenv.Load(); dotenvErr != nil {
		log.Debug("No .env file loaded")
	}

	files := make([]string, 0, 1)
	if configFile != "" {
		expanded, expandErr := homedir.Expand(configFile)
		if expandErr != nil {
			return appConfig, expandErr
		}
		files = append(files, expanded)
	}
	if configErr := configor.Load(&appConfig, files...); configErr != nil {
		return appConfig, fmt.Errorf("Error loading config %s: %w", configFile, configErr)
	}

	if envErr := appConfig.applyEnv(); envErr != nil {
		return appConfig, envErr
	}
	for i := range appConfig.Sync {
		if appConfig.Sync[i].Interval == 0 {
			appConfig.Sync[i].Interval = defaultIntervalMinutes
		}
	}
	if expandErr := appConfig.expandPaths(); expandErr != nil {
		return appConfig, expandErr
	}

	return appConfig, appConfig.Validate()
}

func (c *AppConfig) applyEnv() error {
	var overrides envOverrides
	if envErr := env.Parse(&overrides); envErr != nil {
		return fmt.Errorf("Error reading environment: %w", envErr)
	}

	if overrides.KeyID != "" {
		c.Provider.KeyID = overrides.KeyID
	}
	if overrides.ApplicationKey != "" {
		c.Provider.ApplicationKey = overrides.ApplicationKey
	}
	if overrides.SourceDir != "" && overrides.TargetBucket != "" {
		c.Sync = append(c.Sync, SyncConfig{
			SourceFolder:      overrides.SourceDir,
			DestinationBucket: overrides.TargetBucket,
			TargetPath:        overrides.TargetPath,
			Interval:          defaultIntervalMinutes,
			PreClean:          CleanPolicy{UnfinishedUploads: true},
		})
	}

	return nil
}

func (c *AppConfig) expandPaths() error {
	var expandErr error
	expand := func(p *string) {
		if expandErr != nil || *p == "" {
			return
		}
		*p, expandErr = homedir.Expand(*p)
	}

	expand(&c.StateFile)
	expand(&c.LockFile)
	expand(&c.LogFile)
	for i := range c.Sync {
		expand(&c.Sync[i].SourceFolder)
	}

	return expandErr
}

func (c AppConfig) Validate() error {
	if len(c.Sync) == 0 {
		return fmt.Errorf("%w: no folders to sync", ErrInvalidConfig)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidConfig, c.Concurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: maxattempts must be at least 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retrydelay must not be negative", ErrInvalidConfig)
	}
	if _, levelErr := log.ParseLevel(c.LogLevel); levelErr != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, levelErr)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.LogFormat)
	}

	for _, sc := range c.Sync {
		if sc.SourceFolder == "" || sc.DestinationBucket == "" {
			return fmt.Errorf("%w: sync entries need a sourcefolder and a destinationbucket", ErrInvalidConfig)
		}
		if pathErr := ValidateTargetPath(sc.TargetPath); pathErr != nil {
			return fmt.Errorf("%w: %s", ErrInvalidConfig, pathErr)
		}
	}

	return nil
}

func (c AppConfig) ClientFromConfig(ctx context.Context) (BucketClient, error) {
	var bucketClient BucketClient

	switch strings.ToLower(c.Provider.Type) {
	case "s3", "aws", "b2":
		return NewS3BucketClient(ctx, c)
	default:
		return bucketClient, fmt.Errorf("Unknown cloud provider: %s", c.Provider.Type)
	}
}

func (c AppConfig) ConfigStringArray() []string {
	configStrArr := make([]string, 0)
	configStrArr = append(configStrArr, fmt.Sprintf("  - Provider: %s", c.Provider.Type))
	if c.Provider.Endpoint != "" {
		configStrArr = append(configStrArr, fmt.Sprintf("  - Endpoint: %s", c.Provider.Endpoint))
	}
	configStrArr = append(configStrArr, fmt.Sprintf("  - Region: %s", c.Provider.Region))
	configStrArr = append(configStrArr, fmt.Sprintf("  - Profile: %s", c.Provider.Profile))
	configStrArr = append(configStrArr, fmt.Sprintf("  - KeyID: %s", c.Provider.KeyID))
	configStrArr = append(configStrArr, fmt.Sprintf("  - ApplicationKey: %s", redact(c.Provider.ApplicationKey)))
	configStrArr = append(configStrArr, fmt.Sprintf("  - Concurrent Uploads: %d", c.Concurrency))
	configStrArr = append(configStrArr, fmt.Sprintf("  - Max Attempts: %d", c.MaxAttempts))
	configStrArr = append(configStrArr, fmt.Sprintf("  - Part Size: %d", c.PartSize))

	if c.StateFile != "" {
		configStrArr = append(configStrArr, fmt.Sprintf("  - StateFile: %s", c.StateFile))
	}
	if c.Notify.Topic != "" {
		configStrArr = append(configStrArr, fmt.Sprintf("  - SNSTopic: %s", c.Notify.Topic))
	}

	configStrArr = append(configStrArr, "Folders To Sync:")
	for _, syncConfig := range c.Sync {
		configStrArr = append(configStrArr, fmt.Sprintf("%+v", syncConfig))
	}

	return configStrArr
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}
