// Package config defines the controller configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Driver names accepted by the pluggable backends.
const (
	DriverPostgres = "postgres"
	DriverMinio    = "minio"
	DriverKafka    = "kafka"
	DriverMemory   = "memory"

	ClusterKubernetes = "kubernetes"
	ClusterStandalone = "standalone"
)

// Config represents the top-level configuration of the clearing controller.
type Config struct {
	Service     ServiceConfig     `yaml:"service" mapstructure:"service"`
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	Debug       DebugConfig       `yaml:"debug" mapstructure:"debug"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store" mapstructure:"object_store"`
	Fossology   FossologyConfig   `yaml:"fossology" mapstructure:"fossology"`
	EventBus    EventBusConfig    `yaml:"event_bus" mapstructure:"event_bus"`
	Cluster     ClusterConfig     `yaml:"cluster" mapstructure:"cluster"`
	Poller      PollerConfig      `yaml:"poller" mapstructure:"poller"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" mapstructure:"telemetry"`
}

type ServiceConfig struct {
	Name     string `yaml:"name" mapstructure:"name" validate:"required"`
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type APIConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         string        `yaml:"port" mapstructure:"port" validate:"required,numeric"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gte=0"`
}

// DebugConfig controls the Prometheus and statsviz listener. An empty
// address disables it.
type DebugConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type DatabaseConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres memory"`
	DSN           string `yaml:"dsn" mapstructure:"dsn" validate:"required_if=Driver postgres"`
	MigrationsURL string `yaml:"migrations_url" mapstructure:"migrations_url"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
}

type ObjectStoreConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver" validate:"oneof=minio memory"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Driver minio"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key" validate:"required_if=Driver minio"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key" validate:"required_if=Driver minio"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket" validate:"required_if=Driver minio"`
	UseSSL    bool   `yaml:"use_ssl" mapstructure:"use_ssl"`
}

// FossologyConfig may be left empty; the orchestrator then reports the tool
// as not configured instead of failing at startup.
type FossologyConfig struct {
	BaseURL               string        `yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
	Token                 string        `yaml:"token" mapstructure:"token"`
	FolderID              string        `yaml:"folder_id" mapstructure:"folder_id" validate:"omitempty,numeric"`
	Group                 string        `yaml:"group" mapstructure:"group"`
	VersionPrefix         string        `yaml:"version_prefix" mapstructure:"version_prefix"`
	RequestTimeout        time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" validate:"gte=0"`
	RateLimit             float64       `yaml:"rate_limit" mapstructure:"rate_limit" validate:"gte=0"`
	Burst                 int           `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
	UploadRateLimit       float64       `yaml:"upload_rate_limit" mapstructure:"upload_rate_limit" validate:"gte=0"`
	DisableReportDownload bool          `yaml:"disable_report_download" mapstructure:"disable_report_download"`
}

type EventBusConfig struct {
	Driver   string   `yaml:"driver" mapstructure:"driver" validate:"oneof=kafka memory"`
	Brokers  []string `yaml:"brokers" mapstructure:"brokers" validate:"required_if=Driver kafka,dive,hostname_port"`
	Topic    string   `yaml:"topic" mapstructure:"topic" validate:"required_if=Driver kafka"`
	ClientID string   `yaml:"client_id" mapstructure:"client_id"`
}

type ClusterConfig struct {
	Mode          string        `yaml:"mode" mapstructure:"mode" validate:"oneof=kubernetes standalone"`
	Namespace     string        `yaml:"namespace" mapstructure:"namespace" validate:"required_if=Mode kubernetes"`
	LeaderLockID  string        `yaml:"leader_lock_id" mapstructure:"leader_lock_id" validate:"required_if=Mode kubernetes"`
	Identity      string        `yaml:"identity" mapstructure:"identity"`
	KubeConfig    string        `yaml:"kubeconfig" mapstructure:"kubeconfig"`
	LeaseDuration time.Duration `yaml:"lease_duration" mapstructure:"lease_duration" validate:"gte=0"`
	RenewDeadline time.Duration `yaml:"renew_deadline" mapstructure:"renew_deadline" validate:"gte=0"`
	RetryPeriod   time.Duration `yaml:"retry_period" mapstructure:"retry_period" validate:"gte=0"`
}

type PollerConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval" validate:"required_if=Enabled true"`
	BatchSize   int           `yaml:"batch_size" mapstructure:"batch_size" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency" validate:"gte=0"`
	ActorEmail  string        `yaml:"actor_email" mapstructure:"actor_email" validate:"omitempty,email"`
	ActorGroup  string        `yaml:"actor_group" mapstructure:"actor_group"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
	Probability float64 `yaml:"probability" mapstructure:"probability" validate:"gte=0,lte=1"`
}

// Default returns a configuration that runs a single in-memory instance.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "clearing-controller", LogLevel: "info"},
		API: APIConfig{
			Host:         "0.0.0.0",
			Port:         "8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:        DriverMemory,
			MigrationsURL: "file://db/migrations",
			MaxConns:      10,
		},
		ObjectStore: ObjectStoreConfig{Driver: DriverMemory, Bucket: "attachments"},
		Fossology: FossologyConfig{
			VersionPrefix:  "1.",
			RequestTimeout: 30 * time.Second,
			RateLimit:      5,
			Burst:          5,
		},
		EventBus: EventBusConfig{Driver: DriverMemory, Topic: "clearing-events", ClientID: "clearing-controller"},
		Cluster:  ClusterConfig{Mode: ClusterStandalone, LeaderLockID: "clearing-controller-leader"},
		Poller: PollerConfig{
			Interval:    time.Minute,
			BatchSize:   100,
			Concurrency: 4,
		},
		Telemetry: TelemetryConfig{Probability: 0.1},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports every invalid field of c.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	if c.Poller.Enabled && (c.Poller.ActorEmail == "" || c.Poller.ActorGroup == "") {
		return errors.New("invalid configuration: poller needs actor_email and actor_group")
	}
	return nil
}
