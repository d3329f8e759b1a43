// Package cache stores previously fetched MEI documents on disk, keyed
// by their source path, so a repeat request for the same external
// document skips the network. It follows the teacher's storage
// package's debounced-save idiom: writes land in memory immediately and
// the on-disk manifest catches up shortly after, coalescing bursts of
// near-simultaneous requests into one flush.
package cache

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const debounceTime = 1 * time.Second

// manifest records which cache key maps to which on-disk blob file.
type manifest struct {
	Entries map[string]string `json:"entries"`
}

// Cache is a disk-backed, in-memory-fronted store of fetched MEI bytes.
type Cache struct {
	dir string

	mu       sync.Mutex
	entries  map[string][]byte
	blobName map[string]string
	timer    *time.Timer
	dirty    bool
}

// New opens (or creates) a cache rooted at dir, loading any existing
// manifest.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &Cache{
		dir:      dir,
		entries:  make(map[string][]byte),
		blobName: make(map[string]string),
	}
	c.loadManifest()
	return c, nil
}

func (c *Cache) manifestPath() string {
	return filepath.Join(c.dir, "manifest.json")
}

func (c *Cache) loadManifest() {
	f, err := os.Open(c.manifestPath())
	if err != nil {
		return
	}
	defer f.Close()

	var m manifest
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		log.Printf("cache: could not read manifest: %v", err)
		return
	}
	c.blobName = m.Entries
}

// Get returns the cached bytes for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.entries[key]; ok {
		return b, true
	}
	name, ok := c.blobName[key]
	if !ok {
		return nil, false
	}
	b, err := readGzipFile(filepath.Join(c.dir, name))
	if err != nil {
		log.Printf("cache: could not read blob for %q: %v", key, err)
		return nil, false
	}
	c.entries[key] = b
	return b, true
}

// Put stores data under key and schedules a debounced manifest flush.
func (c *Cache) Put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = data
	if _, ok := c.blobName[key]; !ok {
		c.blobName[key] = blobFileName(key)
	}
	c.dirty = true

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(debounceTime, func() {
		if err := c.flush(); err != nil {
			log.Printf("cache: flush failed: %v", err)
		}
	})
}

func (c *Cache) flush() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	entries := make(map[string][]byte, len(c.entries))
	names := make(map[string]string, len(c.blobName))
	for k, v := range c.entries {
		entries[k] = v
	}
	for k, v := range c.blobName {
		names[k] = v
	}
	c.dirty = false
	c.mu.Unlock()

	for key, data := range entries {
		if err := writeGzipFile(filepath.Join(c.dir, names[key]), data); err != nil {
			return err
		}
	}

	f, err := os.Create(c.manifestPath())
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(manifest{Entries: names})
}

// Flush forces any pending writes to disk immediately, e.g. before
// process exit.
func (c *Cache) Flush() error {
	if c.timer != nil {
		c.timer.Stop()
	}
	return c.flush()
}

func blobFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + ".mei.gz"
}

func writeGzipFile(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func readGzipFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	return io.ReadAll(gz)
}
