package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures the optional object-store package source.
type S3Options struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	Endpoint        string        `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string        `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string        `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool          `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string        `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string        `json:"region" mapstructure:"region"`
	Prefix          string        `json:"prefix" mapstructure:"prefix"`
	SyncInterval    time.Duration `json:"sync-interval" mapstructure:"sync-interval"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Enabled:      false,
		Endpoint:     "localhost:9000",
		UseSSL:       true,
		BucketName:   "modem-firmware",
		Region:       "us-east-1",
		SyncInterval: 10 * time.Minute,
	}
}

func (o *S3Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if o.Endpoint == "" {
		errors = append(errors, fmt.Errorf("--s3.endpoint must be set when --s3.enabled"))
	}
	if o.BucketName == "" {
		errors = append(errors, fmt.Errorf("--s3.bucket-name must be set when --s3.enabled"))
	}
	if o.SyncInterval <= 0 {
		errors = append(errors, fmt.Errorf("--s3.sync-interval must be positive"))
	}

	return errors
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "s3.enabled", o.Enabled, "Fetch update packages from an S3 bucket into the package directory.")
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local)")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, "s3.bucket-name", o.BucketName, "S3 bucket name for firmware storage")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region")
	fs.StringVar(&o.Prefix, "s3.prefix", o.Prefix, "Object key prefix of the update packages")
	fs.DurationVar(&o.SyncInterval, "s3.sync-interval", o.SyncInterval, "Interval between bucket listings")
}
