package manifest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Language matching fields a manifest stub may carry. "game" is always
// accepted; the audio tags are opt-in; anything else is ignored.
const (
	FieldGame     = "game"
	FieldChinese  = "zh-cn"
	FieldEnglish  = "en-us"
	FieldJapanese = "ja-jp"
	FieldKorean   = "ko-kr"
)

var audioFields = map[string]struct{}{
	FieldChinese:  {},
	FieldEnglish:  {},
	FieldJapanese: {},
	FieldKorean:   {},
}

// BranchResponse is the JSON envelope of a build branch endpoint.
type BranchResponse struct {
	Retcode int        `json:"retcode"`
	Message string     `json:"message"`
	Data    *BuildData `json:"data"`
}

// BuildData describes one installable build: its version tag and the
// manifest stubs the engine decodes.
type BuildData struct {
	BuildID   string          `json:"build_id"`
	Tag       string          `json:"tag"`
	Manifests []*ManifestStub `json:"manifests"`
}

// ManifestStub points at one downloadable manifest blob and its chunks.
type ManifestStub struct {
	MatchingField    string           `json:"matching_field"`
	Manifest         ManifestFileInfo `json:"manifest"`
	ManifestDownload URLInfo          `json:"manifest_download"`
	ChunkDownload    URLInfo          `json:"chunk_download"`
	Stats            ChunkStats       `json:"stats"`
}

// ManifestFileInfo identifies the manifest blob itself.
type ManifestFileInfo struct {
	ID               string `json:"id"`
	Checksum         string `json:"checksum"`
	CompressedSize   int64  `json:"compressed_size,string"`
	UncompressedSize int64  `json:"uncompressed_size,string"`
}

// URLInfo carries a download location. The suffix and encryption fields
// appear in the envelope but the engine only consumes the prefix and the
// compression flag.
type URLInfo struct {
	URLPrefix    string `json:"url_prefix"`
	URLSuffix    string `json:"url_suffix"`
	IsCompressed bool   `json:"compression"`
}

// ChunkStats summarizes a stub's chunk set. The envelope string-encodes
// the numbers.
type ChunkStats struct {
	CompressedSize   int64 `json:"compressed_size,string"`
	UncompressedSize int64 `json:"uncompressed_size,string"`
	FileCount        int   `json:"file_count,string"`
	ChunkCount       int   `json:"chunk_count,string"`
}

// ManifestURL joins the stub's download prefix with its blob id.
func (m *ManifestStub) ManifestURL() string {
	return joinURL(m.ManifestDownload.URLPrefix, m.Manifest.ID)
}

// Accepted reports whether the stub participates in an operation given
// the audio-language selection.
func (m *ManifestStub) Accepted(audioLanguages map[string]bool) bool {
	if m.MatchingField == FieldGame {
		return true
	}
	if _, known := audioFields[m.MatchingField]; !known {
		return false
	}
	return audioLanguages[m.MatchingField]
}

// FetchBranch GETs a branch endpoint and returns its build data. A
// non-zero retcode or missing data block is an error carrying the
// server's message.
func FetchBranch(ctx context.Context, client *http.Client, url string) (*BuildData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build branch request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch build branch")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("build branch endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read build branch body")
	}

	var branch BranchResponse
	if err := json.Unmarshal(body, &branch); err != nil {
		return nil, errors.Wrap(err, "decode build branch")
	}
	if branch.Retcode != 0 || branch.Data == nil {
		return nil, errors.Errorf("build branch has no data: retcode=%d message=%s",
			branch.Retcode, branch.Message)
	}
	return branch.Data, nil
}

func joinURL(prefix, name string) string {
	return strings.TrimRight(prefix, "/") + "/" + name
}
