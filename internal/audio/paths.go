// Package audio owns the artifact cache and the generation pipeline that
// fills it: per-segment synthesis behind path locks, and full-document
// track assembly.
package audio

import "path"

// Paths derives artifact locations for one document. Segment artifacts are
// content-addressed by checksum; the full track is addressed by slug, so it
// is not self-invalidating when segments change.
type Paths struct {
	prefix string
	slug   string
}

// PathsFor returns the layout rooted at the document's storage directory,
// e.g. "guides/setup" for content/guides/setup/setup.md.
func PathsFor(dir, slug string) Paths {
	return Paths{prefix: dir, slug: slug}
}

// Slug names the document this layout belongs to.
func (p Paths) Slug() string { return p.slug }

// Segment returns the artifact path for a content checksum.
func (p Paths) Segment(checksum string) string {
	return path.Join(p.prefix, "audio", checksum+".mp3")
}

// FullTrack returns the artifact path for the concatenated document track.
func (p Paths) FullTrack() string {
	return path.Join(p.prefix, "audio", p.slug+"_full.mp3")
}
