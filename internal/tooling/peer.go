package tooling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PeerStore is a source of encoded objects to pull from. Implementations
// return the raw object file bytes; verification happens on this side.
type PeerStore interface {
	// FetchRaw retrieves the encoded object file for oid.
	// ErrNotFound when the peer does not hold it, ErrPeerUnreachable
	// when the peer did not respond.
	FetchRaw(ctx context.Context, oid ObjectID) ([]byte, error)
}

// FSPeer serves objects out of another store directory on disk.
type FSPeer struct {
	DB *ObjectDB
}

func (p *FSPeer) FetchRaw(_ context.Context, oid ObjectID) ([]byte, error) {
	return p.DB.ReadRaw(oid)
}

// S3Peer serves objects out of a bucket, keyed like the on-disk layout.
// The endpoint override accommodates S3-compatible stores.
type S3Peer struct {
	Client *s3.Client
	Bucket string
}

// NewS3Peer initializes an S3 peer from configuration values.
func NewS3Peer(ctx context.Context, cfg *Config) (*S3Peer, error) {
	endpoint := cfg.Values["ACACIA_S3_ENDPOINT"]
	accessKey := cfg.Values["ACACIA_S3_ACCESS_KEY_ID"]
	secretKey := cfg.Values["ACACIA_S3_SECRET_ACCESS_KEY"]
	bucket := cfg.Values["ACACIA_S3_BUCKET"]
	region := cfg.Values["ACACIA_S3_REGION"]
	if region == "" {
		region = "auto"
	}

	if bucket == "" {
		return nil, fmt.Errorf("peer bucket missing in configuration (ACACIA_S3_BUCKET): %w", ErrInvalidInput)
	}

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKey != "" && secretKey != "" {
		options = append(options,
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogRetries|aws.LogRequest))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("loading peer store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &S3Peer{Client: client, Bucket: bucket}, nil
}

func (p *S3Peer) FetchRaw(ctx context.Context, oid ObjectID) ([]byte, error) {
	key := path.Join("objects", oid.String()[:2], oid.String()+ObjectFileExtension)
	out, err := p.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("object %s not on peer: %w", oid, ErrNotFound)
		}
		return nil, fmt.Errorf("fetching %s from peer: %w: %v", oid, ErrPeerUnreachable, err)
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s from peer: %w: %v", oid, ErrPeerUnreachable, err)
	}
	return raw, nil
}

// Pull copies an object from a peer store into this store. With
// recursive set, every transitive dependency not already present is
// pulled as well. Already-present objects are skipped, so re-pulling is
// a no-op and dependency cycles terminate via the visited set.
func (db *ObjectDB) Pull(ctx context.Context, peer PeerStore, oid ObjectID, recursive bool) (map[ObjectID]bool, error) {
	fetched := make(map[ObjectID]bool)
	visited := make(map[ObjectID]bool)

	var pull func(oid ObjectID) error
	pull = func(oid ObjectID) error {
		if visited[oid] {
			return nil
		}
		visited[oid] = true

		if !db.Has(oid) {
			raw, err := peer.FetchRaw(ctx, oid)
			if err != nil {
				return err
			}
			obj, err := DecodeObject(bytes.NewReader(raw))
			if err != nil {
				return fmt.Errorf("pulled object %s: %w", oid, err)
			}
			if obj.OID != oid {
				return fmt.Errorf("peer returned object %s for %s: %w", obj.OID, oid, ErrCorrupt)
			}
			if err := db.writeRaw(oid, raw); err != nil {
				return err
			}
			fetched[oid] = true
			debugf("pulled object %s\n", oid)
		}

		if !recursive {
			return nil
		}
		deps, err := db.Dependencies(oid)
		if err != nil {
			return err
		}
		for _, dep := range deps {
			if err := pull(dep.OID); err != nil {
				return err
			}
		}
		return nil
	}

	if err := pull(oid); err != nil {
		return fetched, err
	}
	return fetched, nil
}
