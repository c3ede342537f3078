// Package content serves the markdown document library. Documents live at
// <root>/<slug>/<slug>.md, optionally nested one level under a topic
// directory. Parsed documents are held in a bounded, TTL-expiring cache
// keyed by file path and revalidated against modification time and size on
// every lookup.
package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-narrate/internal/config"
)

var (
	// ErrNotFound reports an unknown document reference.
	ErrNotFound = errors.New("content: document not found")
	// ErrInvalidRef reports a malformed document reference.
	ErrInvalidRef = errors.New("content: invalid document ref")
)

const dateLayout = "2006-01-02"

// Document is one parsed markdown page.
type Document struct {
	Slug        string
	Title       string
	Description string
	Tags        []string
	Created     time.Time
	Updated     time.Time
	Banner      string
	Topic       string
	// Dir is the document's directory relative to the library root, slash
	// separated. Audio artifacts for the document live under it.
	Dir  string
	Path string
	Body string
}

func (d Document) sortTime() time.Time {
	if !d.Updated.IsZero() {
		return d.Updated
	}
	return d.Created
}

type docMeta struct {
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Tags        []string `yaml:"tags"`
	Created     string   `yaml:"created"`
	Updated     string   `yaml:"updated"`
	Banner      string   `yaml:"banner"`
}

var frontMatter = regexp.MustCompile(`(?s)\A---\s*\n(.*?)\n---\s*\n?(.*)\z`)

type cacheEntry struct {
	doc     Document
	modTime time.Time
	size    int64
}

// Library resolves document references against a filesystem root.
type Library struct {
	root  string
	cache *expirable.LRU[string, cacheEntry]
	log   *slog.Logger

	mu       sync.Mutex
	onChange []func(Document)
}

// NewLibrary opens the library rooted at cfg.Dir.
func NewLibrary(cfg config.ContentConfig, log *slog.Logger) (*Library, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("content: open library: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content: library root %s is not a directory", cfg.Dir)
	}
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	return &Library{
		root:  cfg.Dir,
		cache: expirable.NewLRU[string, cacheEntry](cfg.CacheSize, nil, ttl),
		log:   log.With(slog.String("component", "content-library")),
	}, nil
}

// OnChange registers fn to run whenever a document's body is observed to
// have changed since it was last cached. Callbacks run synchronously on the
// loading goroutine and should return quickly.
func (l *Library) OnChange(fn func(Document)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

func (l *Library) notifyChange(doc Document) {
	l.mu.Lock()
	fns := make([]func(Document), len(l.onChange))
	copy(fns, l.onChange)
	l.mu.Unlock()
	l.log.Info("document changed", slog.String("slug", doc.Slug), slog.String("path", doc.Path))
	for _, fn := range fns {
		fn(doc)
	}
}

// Get resolves ref to a document. A ref is a bare slug, a topic/slug pair,
// or a full topic/slug/slug path. Bare slugs are looked up at the root
// first and then under each topic directory.
func (l *Library) Get(ctx context.Context, ref string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if !ValidRef(ref) {
		return Document{}, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	parts := strings.Split(ref, "/")
	switch {
	case len(parts) == 1:
		slug := parts[0]
		doc, err := l.load(slug+"/"+slug+".md", slug)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return doc, err
		}
		return l.searchTopics(slug)
	case len(parts) == 2:
		topic, slug := parts[0], parts[1]
		return l.load(topic+"/"+slug+"/"+slug+".md", slug)
	case len(parts) == 3 && parts[1] == parts[2]:
		return l.load(path.Join(parts...)+".md", parts[2])
	default:
		return Document{}, fmt.Errorf("%w: %q", ErrNotFound, ref)
	}
}

func (l *Library) searchTopics(slug string) (Document, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return Document{}, fmt.Errorf("content: scan library: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		doc, err := l.load(entry.Name()+"/"+slug+"/"+slug+".md", slug)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return doc, err
		}
	}
	return Document{}, fmt.Errorf("%w: %q", ErrNotFound, slug)
}

// List returns every document in the library, most recently updated first.
func (l *Library) List(ctx context.Context) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []Document
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		slug := strings.TrimSuffix(d.Name(), ".md")
		if filepath.Base(filepath.Dir(p)) != slug {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		doc, err := l.load(filepath.ToSlash(rel), slug)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("content: list library: %w", err)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].sortTime().After(docs[j].sortTime())
	})
	return docs, nil
}

// Invalidate drops any cached parse of the referenced document. The next
// Get rereads the file regardless of modification time.
func (l *Library) Invalidate(ref string) {
	slug := ref
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		slug = ref[i+1:]
	}
	suffix := "/" + slug + ".md"
	for _, key := range l.cache.Keys() {
		if strings.HasSuffix(key, suffix) {
			l.cache.Remove(key)
		}
	}
}

func (l *Library) load(relPath, slug string) (Document, error) {
	abs := filepath.Join(l.root, filepath.FromSlash(relPath))
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return Document{}, fmt.Errorf("content: stat %s: %w", relPath, err)
	}

	entry, cached := l.cache.Get(relPath)
	if cached && entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
		return entry.doc, nil
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return Document{}, fmt.Errorf("content: read %s: %w", relPath, err)
	}
	doc, err := parseDocument(relPath, abs, slug, raw)
	if err != nil {
		return Document{}, err
	}
	l.cache.Add(relPath, cacheEntry{doc: doc, modTime: info.ModTime(), size: info.Size()})
	if cached && entry.doc.Body != doc.Body {
		l.notifyChange(doc)
	}
	return doc, nil
}

func parseDocument(relPath, abs, slug string, raw []byte) (Document, error) {
	var meta docMeta
	body := string(raw)
	if m := frontMatter.FindStringSubmatch(body); m != nil {
		if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
			return Document{}, fmt.Errorf("content: parse %s front matter: %w", relPath, err)
		}
		body = m[2]
	}

	doc := Document{
		Slug:        slug,
		Title:       meta.Title,
		Description: meta.Description,
		Tags:        meta.Tags,
		Banner:      meta.Banner,
		Dir:         path.Dir(relPath),
		Path:        abs,
		Body:        body,
	}
	if doc.Title == "" {
		doc.Title = defaultTitle(slug)
	}
	if parts := strings.Split(relPath, "/"); len(parts) > 2 && parts[0] != slug {
		doc.Topic = capitalize(parts[0])
	}

	var err error
	if doc.Created, err = parseDate(meta.Created); err != nil {
		return Document{}, fmt.Errorf("content: %s: bad created date %q", relPath, meta.Created)
	}
	if doc.Updated, err = parseDate(meta.Updated); err != nil {
		return Document{}, fmt.Errorf("content: %s: bad updated date %q", relPath, meta.Updated)
	}
	return doc, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, s)
}

// defaultTitle derives a display title from a slug: dashes become spaces
// and each word is capitalized.
func defaultTitle(slug string) string {
	words := strings.Split(slug, "-")
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + w[1:]
}
