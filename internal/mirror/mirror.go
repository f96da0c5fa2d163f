// Package mirror pushes and pulls repository snapshots as OCI images.
//
// A snapshot image carries one layer of packed metadata records plus blob
// layers grouped by digest prefix. Prefix content hashes live in the image
// config labels, so pushes re-upload only changed prefix groups and pulls
// skip groups already present locally.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/zstd"
	"github.com/sourcegraph/conc/pool"
)

const (
	labelRecordsLayer = "io.depot.records"
	labelPrefixes     = "io.depot.prefixes"
	labelCreatedAt    = "io.depot.created"

	DefaultConcurrency = 4
)

// Snapshot is the repository state a mirror moves: metadata records keyed by
// store key and blobs keyed by digest.
type Snapshot struct {
	Records map[string][]byte
	Blobs   map[string][]byte
}

// Mirror moves snapshots to and from one OCI reference.
type Mirror struct {
	ref         name.Reference
	auth        authn.Authenticator
	concurrency int
	log         *slog.Logger
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithBasicAuth uses static registry credentials instead of the keychain.
func WithBasicAuth(username, password string) Option {
	return func(m *Mirror) {
		m.auth = &authn.Basic{Username: username, Password: password}
	}
}

// WithConcurrency bounds parallel layer transfers.
func WithConcurrency(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Mirror) { m.log = log }
}

// New creates a mirror for a standard image reference, e.g.
// "registry.example.com/depot/snapshot:main".
func New(imageRef string, opts ...Option) (*Mirror, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}

	m := &Mirror{
		ref:         ref,
		concurrency: DefaultConcurrency,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Mirror) String() string { return m.ref.String() }

// snapLayer implements v1.Layer over packed snapshot bytes, compressed with
// zstd for transfer.
type snapLayer struct {
	compressed   []byte
	uncompressed []byte
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))

func newSnapLayer(data []byte) *snapLayer {
	return &snapLayer{
		compressed:   zstdEncoder.EncodeAll(data, nil),
		uncompressed: data,
	}
}

func (l *snapLayer) Digest() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.compressed))
	return h, err
}

func (l *snapLayer) DiffID() (v1.Hash, error) {
	h, _, err := v1.SHA256(bytes.NewReader(l.uncompressed))
	return h, err
}

func (l *snapLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *snapLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.uncompressed)), nil
}

func (l *snapLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *snapLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

// Push uploads a snapshot. localPrefixes carries the prefix state of the
// previous push (nil on first push); unchanged prefix groups keep their
// existing layer reference and are not re-uploaded.
func (m *Mirror) Push(ctx context.Context, snap Snapshot, localPrefixes map[string]PrefixInfo) (map[string]PrefixInfo, error) {
	byPrefix := groupByPrefix(snap.Blobs)

	currentHashes := make(map[string]string)
	for prefix, blobs := range byPrefix {
		currentHashes[prefix] = prefixHash(blobs)
	}

	var changed []string
	for prefix, hash := range currentHashes {
		if local, ok := localPrefixes[prefix]; !ok || local.Hash != hash {
			changed = append(changed, prefix)
		}
	}

	m.log.Info("mirror push",
		"ref", m.ref.String(),
		"records", len(snap.Records),
		"blobs", len(snap.Blobs),
		"changed_prefixes", len(changed))

	newPrefixes := make(map[string]PrefixInfo)
	for prefix, info := range localPrefixes {
		if _, exists := currentHashes[prefix]; exists {
			newPrefixes[prefix] = info
		}
	}

	recordsLayer := newSnapLayer(pack(snap.Records))
	layers := []v1.Layer{recordsLayer}

	if len(changed) > 0 {
		changedByPrefix := make(map[string]map[string][]byte, len(changed))
		for _, prefix := range changed {
			changedByPrefix[prefix] = byPrefix[prefix]
		}

		for _, group := range buildLayerPlan(prefixSizes(changedByPrefix)) {
			layer := newSnapLayer(pack(collectPrefixBlobs(group, changedByPrefix)))
			digest, err := layer.Digest()
			if err != nil {
				return nil, fmt.Errorf("layer digest: %w", err)
			}
			layers = append(layers, layer)
			for _, prefix := range group {
				newPrefixes[prefix] = PrefixInfo{
					Hash:  currentHashes[prefix],
					Layer: digest.String(),
				}
			}
		}
	}

	img, err := m.buildImage(layers, recordsLayer, newPrefixes)
	if err != nil {
		return nil, fmt.Errorf("build image: %w", err)
	}

	if err := m.pushImage(ctx, img); err != nil {
		return nil, fmt.Errorf("push image: %w", err)
	}
	return newPrefixes, nil
}

func (m *Mirror) buildImage(layers []v1.Layer, recordsLayer *snapLayer, prefixes map[string]PrefixInfo) (v1.Image, error) {
	img, err := mutate.AppendLayers(empty.Image, layers...)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}

	recordsDigest, err := recordsLayer.Digest()
	if err != nil {
		return nil, err
	}
	prefixJSON, _ := json.Marshal(prefixes)

	cfg.Config.Labels = map[string]string{
		labelRecordsLayer: recordsDigest.String(),
		labelPrefixes:     string(prefixJSON),
		labelCreatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	return mutate.ConfigFile(img, cfg)
}

func (m *Mirror) pushImage(ctx context.Context, img v1.Image) error {
	options := m.remoteOptions(ctx)
	options = append(options, remote.WithJobs(m.concurrency))
	_, err := retry(ctx, 3, func() (struct{}, error) {
		return struct{}{}, remote.Write(m.ref, img, options...)
	})
	return err
}

// Pull downloads a snapshot. localPrefixes marks prefix groups already held
// locally; their blob layers are skipped. The records layer is always
// fetched.
func (m *Mirror) Pull(ctx context.Context, localPrefixes map[string]PrefixInfo) (Snapshot, map[string]PrefixInfo, error) {
	img, err := retry(ctx, 3, func() (v1.Image, error) {
		return remote.Image(m.ref, m.remoteOptions(ctx)...)
	})
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("fetch image: %w", err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("get config: %w", err)
	}

	recordsDigest := cfg.Config.Labels[labelRecordsLayer]
	if recordsDigest == "" {
		return Snapshot{}, nil, fmt.Errorf("not a repository snapshot: missing %s label", labelRecordsLayer)
	}

	var remotePrefixes map[string]PrefixInfo
	if prefixJSON := cfg.Config.Labels[labelPrefixes]; prefixJSON != "" {
		if err := json.Unmarshal([]byte(prefixJSON), &remotePrefixes); err != nil {
			return Snapshot{}, nil, fmt.Errorf("parse prefixes: %w", err)
		}
	}

	needed := make(map[string]bool)
	for prefix, remoteInfo := range remotePrefixes {
		local, exists := localPrefixes[prefix]
		if !exists || local.Hash != remoteInfo.Hash {
			needed[remoteInfo.Layer] = true
		}
	}

	layers, err := img.Layers()
	if err != nil {
		return Snapshot{}, nil, fmt.Errorf("get layers: %w", err)
	}

	snap := Snapshot{
		Records: make(map[string][]byte),
		Blobs:   make(map[string][]byte),
	}

	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(m.concurrency).WithContext(ctx).WithCancelOnError()

	for _, layer := range layers {
		digest, err := layer.Digest()
		if err != nil {
			continue
		}
		isRecords := digest.String() == recordsDigest
		if !isRecords && !needed[digest.String()] {
			continue
		}

		p.Go(func(ctx context.Context) error {
			entries, err := readLayer(layer)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			if isRecords {
				snap.Records = entries
			} else {
				for k, v := range entries {
					snap.Blobs[k] = v
				}
			}
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return Snapshot{}, nil, err
	}

	m.log.Info("mirror pull",
		"ref", m.ref.String(),
		"records", len(snap.Records),
		"blobs", len(snap.Blobs))
	return snap, remotePrefixes, nil
}

func readLayer(layer v1.Layer) (map[string][]byte, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	data, err := io.ReadAll(rc)
	if cerr := rc.Close(); cerr != nil {
		return nil, fmt.Errorf("close layer: %w", cerr)
	}
	if err != nil {
		return nil, fmt.Errorf("read layer: %w", err)
	}
	return unpack(data)
}

func (m *Mirror) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if m.auth != nil {
		return append(opts, remote.WithAuth(m.auth))
	}
	return append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
}

func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<i) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
