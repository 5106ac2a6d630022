package manifest

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/yixuan-Q/sophon/internal/hashutil"
)

// ErrManifestChecksum is returned when a downloaded manifest's MD5 does
// not match the checksum its stub advertises. The operation treats this
// as a precondition failure rather than silently dropping the manifest:
// a dropped manifest would let an install finish with missing assets.
var ErrManifestChecksum = errors.New("manifest checksum mismatch")

// ErrManifestUnavailable marks a manifest endpoint answering with a
// non-2xx status. Like a checksum mismatch it is a precondition
// failure, not a fatal error.
var ErrManifestUnavailable = errors.New("manifest unavailable")

// DecodedManifest is one parsed manifest together with the URL prefix
// its chunks download from.
type DecodedManifest struct {
	MatchingField  string
	ChunkURLPrefix string
	Proto          *ManifestProto
}

// DecodedBuild is a fully decoded build: the accepted manifests and the
// sum of their advertised uncompressed sizes.
type DecodedBuild struct {
	Tag        string
	TotalBytes int64
	Manifests  []*DecodedManifest
}

// SophonAsset pairs an asset with its chunk download prefix. For
// modified assets in a diff it additionally carries the chunks whose
// decompressed content is new to the build.
type SophonAsset struct {
	ChunkURLPrefix string
	*AssetProperty

	// DiffChunks and Old are set on modified assets in a BuildDiff:
	// the chunks to fetch and the local asset the rest is copied from.
	DiffChunks []*AssetChunk
	Old        *AssetProperty
}

// ChunkURL resolves the download URL of one of the asset's chunks.
func (a *SophonAsset) ChunkURL(c *AssetChunk) string {
	return joinURL(a.ChunkURLPrefix, c.Name)
}

// Assets flattens the decoded build into SophonAssets, preserving
// manifest iteration order.
func (b *DecodedBuild) Assets() []*SophonAsset {
	var out []*SophonAsset
	for _, dm := range b.Manifests {
		for _, a := range dm.Proto.Assets {
			out = append(out, &SophonAsset{ChunkURLPrefix: dm.ChunkURLPrefix, AssetProperty: a})
		}
	}
	return out
}

// ChunkCount returns the number of chunks across all assets.
func (b *DecodedBuild) ChunkCount() int {
	n := 0
	for _, dm := range b.Manifests {
		for _, a := range dm.Proto.Assets {
			n += len(a.Chunks)
		}
	}
	return n
}

// Decoder downloads and decodes build manifests.
type Decoder struct {
	Client *http.Client
	Fetch  func(ctx context.Context, url string) (io.ReadCloser, error)
}

// NewDecoder builds a Decoder over client. Fetch may be replaced to
// route manifest downloads through a retry layer.
func NewDecoder(client *http.Client) *Decoder {
	d := &Decoder{Client: client}
	d.Fetch = d.httpFetch
	return d
}

func (d *Decoder) httpFetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "manifest request")
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch manifest")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, errors.Wrapf(ErrManifestUnavailable, "endpoint returned %s", resp.Status)
	}
	return resp.Body, nil
}

// DecodeBuild decodes every accepted manifest stub of the build serially
// and sums Stats.UncompressedSize over the accepted set.
func (d *Decoder) DecodeBuild(ctx context.Context, build *BuildData, audioLanguages map[string]bool) (*DecodedBuild, error) {
	out := &DecodedBuild{Tag: build.Tag}
	for _, stub := range build.Manifests {
		if !stub.Accepted(audioLanguages) {
			log.WithField("field", stub.MatchingField).Debug("manifest stub skipped by language selection")
			continue
		}
		dm, err := d.decodeStub(ctx, stub)
		if err != nil {
			return nil, err
		}
		out.Manifests = append(out.Manifests, dm)
		out.TotalBytes += stub.Stats.UncompressedSize
	}
	return out, nil
}

// decodeStub fetches one manifest blob, decompresses it into a bounded
// buffer, verifies the advertised MD5 and parses the protobuf.
func (d *Decoder) decodeStub(ctx context.Context, stub *ManifestStub) (*DecodedManifest, error) {
	body, err := d.Fetch(ctx, stub.ManifestURL())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var src io.Reader = body
	if stub.ManifestDownload.IsCompressed {
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, errors.Wrap(err, "open manifest zstd stream")
		}
		defer zr.Close()
		src = zr
	}

	// The stub advertises the decompressed size; cap the buffer one byte
	// past it so an oversized blob fails the checksum instead of growing
	// without bound.
	if stub.Manifest.UncompressedSize > 0 {
		src = io.LimitReader(src, stub.Manifest.UncompressedSize+1)
	}
	raw, err := readBuffered(ctx, src)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", stub.Manifest.ID)
	}

	sum, err := hashutil.MD5Hex(ctx, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if !hashutil.HexEqual(sum, stub.Manifest.Checksum) {
		return nil, errors.Wrapf(ErrManifestChecksum, "manifest %s: got %s want %s",
			stub.Manifest.ID, sum, stub.Manifest.Checksum)
	}

	proto, err := UnmarshalManifest(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parse manifest %s", stub.Manifest.ID)
	}
	log.WithFields(log.Fields{
		"field":  stub.MatchingField,
		"assets": len(proto.Assets),
	}).Info("manifest decoded")
	return &DecodedManifest{
		MatchingField:  stub.MatchingField,
		ChunkURLPrefix: stub.ChunkDownload.URLPrefix,
		Proto:          proto,
	}, nil
}

func readBuffered(ctx context.Context, r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64<<10)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
