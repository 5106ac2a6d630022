// Package manifest models Sophon build manifests: the protobuf wire
// format assets are described in, the JSON branch envelope that points at
// manifests and chunks, the decoder that turns a branch into decoded
// builds, and the diff between two decoded builds.
package manifest

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers of the manifest protobuf. The schema is flat enough
// that the package decodes it directly with protowire instead of carrying
// generated descriptor code.
const (
	fieldManifestAssets = 1

	fieldAssetName   = 1
	fieldAssetMD5    = 2
	fieldAssetType   = 3
	fieldAssetSize   = 4
	fieldAssetChunks = 5

	fieldChunkName             = 1
	fieldChunkMD5              = 2
	fieldChunkOffset           = 3
	fieldChunkSize             = 4
	fieldChunkSizeDecompressed = 5
)

// AssetTypeDirectory marks an asset that is materialized as an empty
// directory and carries no chunks.
const AssetTypeDirectory = 64

// AssetChunk is one contiguous byte range of an asset. Immutable after
// decode. Name embeds the XXH64 of the compressed blob before its first
// underscore; MD5 identifies the decompressed content.
type AssetChunk struct {
	Name             string
	MD5              string
	Offset           int64
	Size             int64
	SizeDecompressed int64
}

// AssetProperty is one file or directory of the build tree. Immutable
// after decode.
type AssetProperty struct {
	Name   string
	MD5    string
	Type   int32
	Size   int64
	Chunks []*AssetChunk
}

// IsDirectory reports whether the asset is a directory entry.
func (a *AssetProperty) IsDirectory() bool {
	return a.Type == AssetTypeDirectory
}

// ManifestProto is the ordered asset list of one decoded manifest blob.
type ManifestProto struct {
	Assets []*AssetProperty
}

// UnmarshalManifest parses the protobuf bytes of a manifest. Unknown
// fields are skipped so newer servers stay readable.
func UnmarshalManifest(b []byte) (*ManifestProto, error) {
	m := &ManifestProto{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "manifest tag")
		}
		b = b[n:]
		if num == fieldManifestAssets && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "manifest asset")
			}
			asset, err := unmarshalAsset(v)
			if err != nil {
				return nil, err
			}
			m.Assets = append(m.Assets, asset)
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "manifest field")
		}
		b = b[n:]
	}
	return m, nil
}

func unmarshalAsset(b []byte) (*AssetProperty, error) {
	a := &AssetProperty{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "asset tag")
		}
		b = b[n:]
		switch {
		case num == fieldAssetName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "asset name")
			}
			a.Name = v
			b = b[n:]
		case num == fieldAssetMD5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "asset md5")
			}
			a.MD5 = v
			b = b[n:]
		case num == fieldAssetType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "asset type")
			}
			a.Type = int32(v)
			b = b[n:]
		case num == fieldAssetSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "asset size")
			}
			a.Size = int64(v)
			b = b[n:]
		case num == fieldAssetChunks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "asset chunk")
			}
			chunk, err := unmarshalChunk(v)
			if err != nil {
				return nil, err
			}
			a.Chunks = append(a.Chunks, chunk)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "asset field")
			}
			b = b[n:]
		}
	}
	return a, nil
}

func unmarshalChunk(b []byte) (*AssetChunk, error) {
	c := &AssetChunk{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "chunk tag")
		}
		b = b[n:]
		switch {
		case num == fieldChunkName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "chunk name")
			}
			c.Name = v
			b = b[n:]
		case num == fieldChunkMD5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "chunk md5")
			}
			c.MD5 = v
			b = b[n:]
		case num == fieldChunkOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "chunk offset")
			}
			c.Offset = int64(v)
			b = b[n:]
		case num == fieldChunkSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "chunk size")
			}
			c.Size = int64(v)
			b = b[n:]
		case num == fieldChunkSizeDecompressed && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "chunk size decompressed")
			}
			c.SizeDecompressed = int64(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "chunk field")
			}
			b = b[n:]
		}
	}
	return c, nil
}

// Marshal renders the manifest back to protobuf bytes. The engine never
// uploads manifests; this exists for fixtures and offline tooling.
func (m *ManifestProto) Marshal() []byte {
	var out []byte
	for _, a := range m.Assets {
		out = protowire.AppendTag(out, fieldManifestAssets, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalAsset(a))
	}
	return out
}

func marshalAsset(a *AssetProperty) []byte {
	var out []byte
	if a.Name != "" {
		out = protowire.AppendTag(out, fieldAssetName, protowire.BytesType)
		out = protowire.AppendString(out, a.Name)
	}
	if a.MD5 != "" {
		out = protowire.AppendTag(out, fieldAssetMD5, protowire.BytesType)
		out = protowire.AppendString(out, a.MD5)
	}
	if a.Type != 0 {
		out = protowire.AppendTag(out, fieldAssetType, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(a.Type))
	}
	if a.Size != 0 {
		out = protowire.AppendTag(out, fieldAssetSize, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(a.Size))
	}
	for _, c := range a.Chunks {
		out = protowire.AppendTag(out, fieldAssetChunks, protowire.BytesType)
		out = protowire.AppendBytes(out, marshalChunk(c))
	}
	return out
}

func marshalChunk(c *AssetChunk) []byte {
	var out []byte
	if c.Name != "" {
		out = protowire.AppendTag(out, fieldChunkName, protowire.BytesType)
		out = protowire.AppendString(out, c.Name)
	}
	if c.MD5 != "" {
		out = protowire.AppendTag(out, fieldChunkMD5, protowire.BytesType)
		out = protowire.AppendString(out, c.MD5)
	}
	if c.Offset != 0 {
		out = protowire.AppendTag(out, fieldChunkOffset, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(c.Offset))
	}
	if c.Size != 0 {
		out = protowire.AppendTag(out, fieldChunkSize, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(c.Size))
	}
	if c.SizeDecompressed != 0 {
		out = protowire.AppendTag(out, fieldChunkSizeDecompressed, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(c.SizeDecompressed))
	}
	return out
}
