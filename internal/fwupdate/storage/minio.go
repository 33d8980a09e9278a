// Package storage mirrors update packages from an S3 bucket into the local
// package directory.
package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/autopeer-io/modempeer/internal/fwupdate/firmware"
	"github.com/autopeer-io/modempeer/pkg/log"
	"github.com/autopeer-io/modempeer/pkg/options"
)

// Object is the part of a bucket listing the mirror needs.
type Object struct {
	Key  string
	Size int64
}

type MinIO struct {
	client     *minio.Client
	bucketName string
	prefix     string
	interval   time.Duration
	dir        string
}

// NewMinIO 创建基于 S3 协议的升级包来源
func NewMinIO(opts *options.S3Options, dir string) (*MinIO, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIO{
		client:     client,
		bucketName: opts.BucketName,
		prefix:     opts.Prefix,
		interval:   opts.SyncInterval,
		dir:        dir,
	}, nil
}

// Start syncs once, then every interval until ctx is done.
func (p *MinIO) Start(ctx context.Context) error {
	log.Info("Mirroring update packages", "bucket", p.bucketName, "prefix", p.prefix, "interval", p.interval)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		n, err := p.Sync(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Error(err, "Package sync failed", "bucket", p.bucketName)
			}
			return
		}
		if n > 0 {
			log.Info("Fetched update packages", "count", n)
		}
	}, p.interval)
	return nil
}

// Sync downloads every package object missing locally and returns how many
// were fetched.
func (p *MinIO) Sync(ctx context.Context) (int, error) {
	exists, err := p.client.BucketExists(ctx, p.bucketName)
	if err != nil {
		return 0, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("bucket %s does not exist", p.bucketName)
	}

	var objects []Object
	for info := range p.client.ListObjects(ctx, p.bucketName, minio.ListObjectsOptions{Prefix: p.prefix, Recursive: true}) {
		if info.Err != nil {
			return 0, fmt.Errorf("list objects: %w", info.Err)
		}
		objects = append(objects, Object{Key: info.Key, Size: info.Size})
	}

	fetched := 0
	for _, obj := range Missing(p.dir, objects) {
		if err := p.fetch(ctx, obj); err != nil {
			return fetched, err
		}
		fetched++
	}
	return fetched, nil
}

// fetch downloads next to the target under a hidden name, then renames it
// so watchers only ever see complete packages.
func (p *MinIO) fetch(ctx context.Context, obj Object) error {
	name := path.Base(obj.Key)
	tmp := filepath.Join(p.dir, "."+name+".part")
	if err := p.client.FGetObject(ctx, p.bucketName, obj.Key, tmp, minio.GetObjectOptions{}); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("fetch %s: %w", obj.Key, err)
	}
	if err := os.Rename(tmp, filepath.Join(p.dir, name)); err != nil {
		return fmt.Errorf("install %s: %w", name, err)
	}
	log.Info("Fetched update package", "key", obj.Key, "size", obj.Size)
	return nil
}

// Missing returns the package objects that are absent from dir or differ
// in size from the local copy.
func Missing(dir string, objects []Object) []Object {
	var out []Object
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if !firmware.IsPackageName(name) {
			continue
		}
		fi, err := os.Stat(filepath.Join(dir, name))
		if err == nil && fi.Size() == obj.Size {
			continue
		}
		out = append(out, obj)
	}
	return out
}
