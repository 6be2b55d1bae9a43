package intentd

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pkt.systems/intentd/internal/storage"
	"pkt.systems/intentd/internal/storage/disk"
	"pkt.systems/intentd/internal/storage/memory"
	"pkt.systems/intentd/internal/storage/s3"
)

type storeTarget struct {
	scheme string
	url    *url.URL
}

func parseStoreURL(raw string) (storeTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return storeTarget{}, fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory", "disk", "s3":
	default:
		return storeTarget{}, fmt.Errorf("config: store scheme %q not supported", u.Scheme)
	}
	return storeTarget{scheme: u.Scheme, url: u}, nil
}

// openBackend builds the storage backend selected by cfg.Store.
func openBackend(cfg Config) (storage.Backend, error) {
	target, err := parseStoreURL(cfg.Store)
	if err != nil {
		return nil, err
	}
	switch target.scheme {
	case "", "mem", "memory":
		return memory.New(), nil
	case "disk":
		diskCfg, err := buildDiskConfig(cfg, target.url)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, err := buildS3Config(cfg, target.url)
		if err != nil {
			return nil, err
		}
		backend, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(context.Background(), backend, s3cfg.Bucket); err != nil {
			_ = backend.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("config: store scheme %q not supported", target.scheme)
	}
}

func buildDiskConfig(cfg Config, u *url.URL) (disk.Config, error) {
	pathPart := strings.TrimSpace(u.Path)
	host := strings.TrimSpace(u.Host)
	if host != "" {
		if pathPart == "" || pathPart == "/" {
			pathPart = "/" + host
		} else {
			pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
		}
	}
	if pathPart == "" || pathPart == "/" {
		return disk.Config{}, fmt.Errorf("config: disk store path required (e.g. disk:///var/lib/intentd)")
	}
	return disk.Config{
		Root: filepath.Clean(pathPart),
		Sync: cfg.DiskSync,
	}, nil
}

// buildS3Config parses s3://bucket[/prefix] URLs. Endpoint, region, and TLS
// options come from cfg and may be overridden per-URL via query parameters.
func buildS3Config(cfg Config, u *url.URL) (s3.Config, error) {
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return s3.Config{}, fmt.Errorf("config: s3 store missing bucket (expected s3://bucket[/prefix])")
	}
	prefix := strings.Trim(u.Path, "/")
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.S3Endpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	insecure := cfg.S3Insecure
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			insecure = ok
		}
	}
	forcePath := cfg.S3ForcePathStyle
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: forcePath,
	}, nil
}

func ensureBucketReady(ctx context.Context, backend *s3.Store, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := backend.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}
