package manifest

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// BuildDiff is the reconciliation between a local and a remote decoded
// build. Added and Modified carry remote assets; Modified assets carry
// DiffChunks, the remote chunks whose decompressed MD5 the local asset
// does not already hold. Deleted carries local assets absent from the
// remote build. List order is manifest iteration order.
type BuildDiff struct {
	Added    []*SophonAsset
	Modified []*SophonAsset
	Deleted  []*SophonAsset
}

// DownloadBytes is the admission total of an update: full size of added
// assets plus decompressed size of the chunks a modified asset needs.
func (d *BuildDiff) DownloadBytes() int64 {
	var total int64
	for _, a := range d.Added {
		total += a.Size
	}
	for _, a := range d.Modified {
		for _, c := range a.DiffChunks {
			total += c.SizeDecompressed
		}
	}
	return total
}

// ComputeDiff pairs local and remote manifests by MatchingField and
// computes the added/modified/deleted asset sets. Pairing by field
// rather than list position keeps the diff correct when the accepted
// language set changed between the two builds; a remote manifest with no
// local counterpart contributes all of its assets as additions.
func ComputeDiff(local, remote *DecodedBuild) *BuildDiff {
	diff := &BuildDiff{}

	localByField := make(map[string]*DecodedManifest, len(local.Manifests))
	for _, dm := range local.Manifests {
		localByField[dm.MatchingField] = dm
	}

	remoteFields := make(map[string]struct{}, len(remote.Manifests))
	for _, rm := range remote.Manifests {
		remoteFields[rm.MatchingField] = struct{}{}
		lm := localByField[rm.MatchingField]

		var localByName map[string]*AssetProperty
		if lm != nil {
			localByName = make(map[string]*AssetProperty, len(lm.Proto.Assets))
			for _, a := range lm.Proto.Assets {
				localByName[foldName(a.Name)] = a
			}
		}

		for _, ra := range rm.Proto.Assets {
			la, ok := localByName[foldName(ra.Name)]
			if !ok {
				diff.Added = append(diff.Added, &SophonAsset{
					ChunkURLPrefix: rm.ChunkURLPrefix,
					AssetProperty:  ra,
				})
				continue
			}
			if hexFold(la.MD5) == hexFold(ra.MD5) {
				continue
			}
			diff.Modified = append(diff.Modified, &SophonAsset{
				ChunkURLPrefix: rm.ChunkURLPrefix,
				AssetProperty:  ra,
				DiffChunks:     diffChunks(la, ra),
				Old:            la,
			})
		}

		if lm != nil {
			remoteByName := make(map[string]struct{}, len(rm.Proto.Assets))
			for _, a := range rm.Proto.Assets {
				remoteByName[foldName(a.Name)] = struct{}{}
			}
			for _, la := range lm.Proto.Assets {
				if _, ok := remoteByName[foldName(la.Name)]; !ok {
					diff.Deleted = append(diff.Deleted, &SophonAsset{AssetProperty: la})
				}
			}
		}
	}

	// A local manifest whose field vanished from the remote build means
	// its language was dropped; its files are no longer part of the tree.
	for _, lm := range local.Manifests {
		if _, ok := remoteFields[lm.MatchingField]; ok {
			continue
		}
		for _, la := range lm.Proto.Assets {
			diff.Deleted = append(diff.Deleted, &SophonAsset{AssetProperty: la})
		}
	}

	log.WithFields(log.Fields{
		"added":    len(diff.Added),
		"modified": len(diff.Modified),
		"deleted":  len(diff.Deleted),
	}).Info("build diff computed")
	return diff
}

// diffChunks returns the remote chunks whose decompressed MD5 the local
// asset does not contain. A chunk that only moved offsets matches by MD5
// and is copied from the old file at assembly time instead.
func diffChunks(local, remote *AssetProperty) []*AssetChunk {
	have := make(map[string]struct{}, len(local.Chunks))
	for _, c := range local.Chunks {
		have[hexFold(c.MD5)] = struct{}{}
	}
	var out []*AssetChunk
	for _, c := range remote.Chunks {
		if _, ok := have[hexFold(c.MD5)]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// foldName folds an asset name for case-insensitive path comparison.
func foldName(name string) string {
	return strings.ToLower(name)
}

func hexFold(s string) string {
	return strings.ToLower(s)
}
