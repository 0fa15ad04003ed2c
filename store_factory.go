package txnd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"

	"pkt.systems/txnd/internal/clock"
	"pkt.systems/txnd/internal/txnlog"
	"pkt.systems/txnd/internal/txnlog/boltlog"
	"pkt.systems/txnd/internal/txnlog/disk"
	"pkt.systems/txnd/internal/txnlog/memory"
	"pkt.systems/txnd/internal/txnlog/retry"
	"pkt.systems/txnd/internal/txnlog/s3"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// OpenLog opens the log named by cfg.Store without the retry wrapper.
func OpenLog(cfg Config, logger pslog.Logger) (txnlog.Log, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		dir, err := storePath(u, "disk:///var/lib/txnd")
		if err != nil {
			return nil, err
		}
		return disk.Open(disk.Config{Dir: dir, Logger: logger})
	case "bolt":
		path, err := storePath(u, "bolt:///var/lib/txnd/log.db")
		if err != nil {
			return nil, err
		}
		timeout := boltlog.DefaultOpenTimeout
		if raw := u.Query().Get("timeout"); raw != "" {
			if timeout, err = time.ParseDuration(raw); err != nil {
				return nil, fmt.Errorf("bolt store timeout: %w", err)
			}
		}
		return boltlog.Open(boltlog.Config{Path: path, OpenTimeout: timeout})
	case "s3":
		s3cfg, summary, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		s3cfg.Logger = logger
		log, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucketReady(context.Background(), log, s3cfg.Bucket); err != nil {
			_ = log.Close()
			return nil, err
		}
		if logger != nil {
			logger.Info("txnlog.s3.ready", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket, "prefix", s3cfg.Prefix, "credentials", summary.Source)
		}
		return log, nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// openStore opens the configured log and wraps it with transient-error retries.
func openStore(cfg Config, logger pslog.Logger, clk clock.Clock) (txnlog.Log, error) {
	log, err := OpenLog(cfg, logger)
	if err != nil {
		return nil, err
	}
	return retry.Wrap(log, logger, clk, retry.Config{
		MaxAttempts: cfg.StoreRetryMaxAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
		Multiplier:  cfg.StoreRetryMultiplier,
	}), nil
}

// storePath joins host and path of file-backed store URLs so both
// disk:///abs and disk://relative work.
func storePath(u *url.URL, example string) (string, error) {
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
		return "", fmt.Errorf("%s store path required (e.g. %s)", u.Scheme, example)
	}
	return filepath.Clean(pathPart), nil
}

// BuildS3Config parses s3://host[:port]/bucket[/prefix] URLs.
func BuildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	bucket := strings.TrimSpace(parts[0])
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	var prefix string
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	query := u.Query()
	secure := true
	if v := query.Get("insecure"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil && ok {
			secure = false
		}
	}
	forcePath := false
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			forcePath = ok
		}
	}
	region := cfg.S3Region
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	creds, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       !secure,
		ForcePathStyle: forcePath,
		CustomCreds:    creds,
	}, summary, nil
}

func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("TXND_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("TXND_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("TXND_S3_SESSION_TOKEN")
		source = "env:TXND_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		// nil lets the backend walk the AWS/MinIO env, file and IAM chain
		summary.Source = "chain"
		return nil, summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func ensureBucketReady(ctx context.Context, log *s3.Log, bucket string) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := log.BucketExists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}
