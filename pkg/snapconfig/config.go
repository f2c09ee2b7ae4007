// Configuration file + environment overrides, and building an engine out of them
package snapconfig

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/function61/docsnap/pkg/docsource"
	"github.com/function61/docsnap/pkg/docsource/boltdocsource"
	"github.com/function61/docsnap/pkg/docsource/mongodocsource"
	"github.com/function61/docsnap/pkg/objectstore"
	"github.com/function61/docsnap/pkg/objectstore/gcsobjectstore"
	"github.com/function61/docsnap/pkg/objectstore/googledriveobjectstore"
	"github.com/function61/docsnap/pkg/objectstore/localfsobjectstore"
	"github.com/function61/docsnap/pkg/objectstore/s3objectstore"
	"github.com/function61/docsnap/pkg/snapengine"
	"github.com/function61/docsnap/pkg/snapmetrics"
	"github.com/function61/gokit/jsonfile"
	"github.com/function61/gokit/logex"
)

const (
	configFilename = "docsnap-config.json"

	// overrides config file location
	EnvConfigPath = "DOCSNAP_CONFIG"

	// secrets are better kept out of the config file
	EnvMongoURI          = "DOCSNAP_MONGODB_URI"
	EnvGoogleCredentials = "DOCSNAP_GOOGLE_CREDENTIALS" // service account key JSON
	EnvFolderID          = "DOCSNAP_FOLDER_ID"
	EnvS3Secret          = "DOCSNAP_S3_SECRET"
)

const (
	StoreKindGoogleDrive = "googledrive"
	StoreKindS3          = "s3"
	StoreKindGCS         = "gcs"
	StoreKindLocalFs     = "localfs"

	SourceKindMongoDB = "mongodb"
	SourceKindBolt    = "bbolt"
)

type Config struct {
	Store     StoreConfig     `json:"store"`
	Source    SourceConfig    `json:"source"`
	BatchSize int             `json:"batch_size,omitempty"` // 0 = engine's default
	Schedule  *ScheduleConfig `json:"schedule,omitempty"`
}

type StoreConfig struct {
	Kind        string                 `json:"kind"`
	GoogleDrive *GoogleDriveConfig     `json:"googledrive,omitempty"`
	S3          *s3objectstore.Config  `json:"s3,omitempty"`
	GCS         *gcsobjectstore.Config `json:"gcs,omitempty"`
	LocalFs     *LocalFsConfig         `json:"localfs,omitempty"`
}

type GoogleDriveConfig struct {
	CredentialsJSON string `json:"credentials_json,omitempty"`
	FolderID        string `json:"folder_id,omitempty"` // new backups go here. empty = Drive root
}

type LocalFsConfig struct {
	Path   string `json:"path"`
	Folder string `json:"folder,omitempty"` // subdirectory for new backups
}

type SourceConfig struct {
	Kind    string         `json:"kind"`
	MongoDB *MongoDBConfig `json:"mongodb,omitempty"`
	Bolt    *BoltConfig    `json:"bbolt,omitempty"`
}

type MongoDBConfig struct {
	URI      string `json:"uri,omitempty"`
	Database string `json:"database,omitempty"` // empty = take from URI
}

type BoltConfig struct {
	Path string `json:"path"`
}

type ScheduleConfig struct {
	Spec        string `json:"spec"`                   // cron spec, like "@daily" or "0 30 3 * * *"
	KeepLast    int    `json:"keep_last,omitempty"`    // 0 = keep everything
	MetricsAddr string `json:"metrics_addr,omitempty"` // like ":9090". empty = don't serve
}

func ReadConfig() (*Config, error) {
	confPath, err := ConfigFilePath()
	if err != nil {
		return nil, fmt.Errorf("docsnap config: %w", err)
	}

	return ReadConfigWithPath(confPath, os.Getenv)
}

func ReadConfigWithPath(confPath string, getenv func(string) string) (*Config, error) {
	conf := &Config{}
	if err := jsonfile.Read(confPath, conf, true); err != nil {
		return nil, fmt.Errorf("docsnap config: %w", err)
	}

	conf.applyEnv(getenv)

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("docsnap config: %w", err)
	}

	return conf, nil
}

func WriteConfig(conf *Config, confPath string) error {
	return jsonfile.Write(confPath, conf)
}

func ConfigFilePath() (string, error) {
	if fromEnv := os.Getenv(EnvConfigPath); fromEnv != "" {
		return fromEnv, nil
	}

	usersHomeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(usersHomeDirectory, configFilename), nil
}

// env wins over config file, but only when set
func (c *Config) applyEnv(getenv func(string) string) {
	override := func(target *string, envName string) {
		if val := getenv(envName); val != "" {
			*target = val
		}
	}

	switch c.Store.Kind {
	case StoreKindGoogleDrive:
		if c.Store.GoogleDrive == nil {
			c.Store.GoogleDrive = &GoogleDriveConfig{}
		}

		override(&c.Store.GoogleDrive.CredentialsJSON, EnvGoogleCredentials)
		override(&c.Store.GoogleDrive.FolderID, EnvFolderID)
	case StoreKindS3:
		if c.Store.S3 != nil {
			override(&c.Store.S3.AccessKeySecret, EnvS3Secret)
		}
	}

	if c.Source.Kind == SourceKindMongoDB {
		if c.Source.MongoDB == nil {
			c.Source.MongoDB = &MongoDBConfig{}
		}

		override(&c.Source.MongoDB.URI, EnvMongoURI)
	}
}

func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreKindGoogleDrive:
		if c.Store.GoogleDrive == nil || c.Store.GoogleDrive.CredentialsJSON == "" {
			return fmt.Errorf("store googledrive: credentials not set (use %s)", EnvGoogleCredentials)
		}
	case StoreKindS3:
		if c.Store.S3 == nil {
			return errors.New("store s3: config missing")
		}

		if err := c.Store.S3.Validate(); err != nil {
			return err
		}
	case StoreKindGCS:
		if c.Store.GCS == nil || c.Store.GCS.Bucket == "" {
			return errors.New("store gcs: bucket not set")
		}
	case StoreKindLocalFs:
		if c.Store.LocalFs == nil || c.Store.LocalFs.Path == "" {
			return errors.New("store localfs: path not set")
		}
	default:
		return fmt.Errorf("unsupported store kind: '%s'", c.Store.Kind)
	}

	switch c.Source.Kind {
	case SourceKindMongoDB:
		if c.Source.MongoDB == nil || c.Source.MongoDB.URI == "" {
			return fmt.Errorf("source mongodb: URI not set (use %s)", EnvMongoURI)
		}
	case SourceKindBolt:
		if c.Source.Bolt == nil || c.Source.Bolt.Path == "" {
			return errors.New("source bbolt: path not set")
		}
	default:
		return fmt.Errorf("unsupported source kind: '%s'", c.Source.Kind)
	}

	if c.Schedule != nil && c.Schedule.KeepLast < 0 {
		return fmt.Errorf("schedule: keep_last must be >= 0; got %d", c.Schedule.KeepLast)
	}

	return nil
}

// where new backups go, and what listings are scoped to
func (c *Config) DefaultContainerID() string {
	switch {
	case c.Store.GoogleDrive != nil && c.Store.Kind == StoreKindGoogleDrive:
		return c.Store.GoogleDrive.FolderID
	case c.Store.LocalFs != nil && c.Store.Kind == StoreKindLocalFs:
		return c.Store.LocalFs.Folder
	default: // S3 & GCS are scoped by their prefix
		return ""
	}
}

func (c *Config) ObjectStore(ctx context.Context, logger *log.Logger) (objectstore.Store, error) {
	storeLogger := logex.Prefix(c.Store.Kind, logger)

	switch c.Store.Kind {
	case StoreKindGoogleDrive:
		return googledriveobjectstore.New(ctx, []byte(c.Store.GoogleDrive.CredentialsJSON), storeLogger)
	case StoreKindS3:
		return s3objectstore.New(*c.Store.S3, storeLogger)
	case StoreKindGCS:
		return gcsobjectstore.New(ctx, *c.Store.GCS, storeLogger)
	case StoreKindLocalFs:
		return localfsobjectstore.New(c.Store.LocalFs.Path, storeLogger), nil
	default:
		return nil, fmt.Errorf("unsupported store kind: '%s'", c.Store.Kind)
	}
}

func (c *Config) DocumentSource(ctx context.Context, logger *log.Logger) (docsource.Source, error) {
	sourceLogger := logex.Prefix(c.Source.Kind, logger)

	switch c.Source.Kind {
	case SourceKindMongoDB:
		return mongodocsource.Connect(ctx, c.Source.MongoDB.URI, c.Source.MongoDB.Database, sourceLogger)
	case SourceKindBolt:
		return boltdocsource.Open(c.Source.Bolt.Path, sourceLogger)
	default:
		return nil, fmt.Errorf("unsupported source kind: '%s'", c.Source.Kind)
	}
}

// builds a self-contained engine. call the returned close function when done.
func (c *Config) Engine(
	ctx context.Context,
	metrics *snapmetrics.Controller, // optional
	logger *log.Logger,
) (*snapengine.Engine, func() error, error) {
	store, err := c.ObjectStore(ctx, logger)
	if err != nil {
		return nil, nil, err
	}

	source, err := c.DocumentSource(ctx, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := snapengine.Options{
		DefaultContainerID: c.DefaultContainerID(),
		BatchSize:          c.BatchSize,
	}

	if metrics != nil {
		store = metrics.WrapStore(store)
		opts.Observer = metrics
	}

	closeSource := func() error {
		return source.Close(context.Background())
	}

	return snapengine.New(store, source, opts, logex.Prefix("engine", logger)), closeSource, nil
}
