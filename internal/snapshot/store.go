package snapshot

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/latticeauth/edgegraph/internal/edge"
)

const manifestFileName = "manifest.json"

// Store persists and loads tenant snapshots as one directory per
// version under hotDir, with a fixed number kept hot (Config.RetainHot)
// before being relocated under coldDir, its cold storage tier. Cold
// snapshots remain loadable; they are simply excluded from Prune's
// hot-window bookkeeping.
type Store struct {
	hotDir   string
	coldDir  string
	retain   int
	logger   *zap.Logger
}

// Config configures a Store. RetainHot is the bounded K historical
// versions kept hot; no authoritative retention policy is specified, so
// this implementation defaults to 10, matching the conventional
// KV-plus-cold-storage design.
type Config struct {
	HotDir    string
	ColdDir   string
	RetainHot int
}

// DefaultConfig returns the conventional retention policy.
func DefaultConfig(baseDir string) Config {
	return Config{
		HotDir:    filepath.Join(baseDir, "hot"),
		ColdDir:   filepath.Join(baseDir, "cold"),
		RetainHot: 10,
	}
}

// New constructs a Store, creating its directories if absent.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.RetainHot <= 0 {
		cfg.RetainHot = 10
	}
	for _, d := range []string{cfg.HotDir, cfg.ColdDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("snapshot: create dir %s: %w", d, err)
		}
	}
	return &Store{hotDir: cfg.HotDir, coldDir: cfg.ColdDir, retain: cfg.RetainHot, logger: logger.Named("snapshot_store")}, nil
}

// Write serializes edges, grouped one CSV file per edge type, into a new
// hot-tier directory stamped with version, and returns the resulting
// manifest.
func (s *Store) Write(version uint64, edges []*edge.Edge) (Manifest, error) {
	dir := s.versionDir(s.hotDir, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: mkdir %s: %w", dir, err)
	}

	byType := make(map[edge.Type][]*edge.Edge)
	for _, e := range edges {
		byType[e.Type] = append(byType[e.Type], e)
	}

	types := make([]edge.Type, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	files := make([]FileManifest, 0, len(types))
	for _, t := range types {
		fileName := fmt.Sprintf("edges_%s.csv", t)
		path := filepath.Join(dir, fileName)
		rows, err := writeEdgeCSV(path, byType[t])
		if err != nil {
			return Manifest{}, err
		}
		digest, err := digestFile(path)
		if err != nil {
			return Manifest{}, err
		}
		files = append(files, FileManifest{EdgeType: string(t), Path: fileName, Digest: digest, Rows: rows})
	}

	manifest := Manifest{Version: version, CreatedAt: time.Now().UTC(), Files: files}
	manifest.Digest = digestManifest(files)

	if err := writeManifest(dir, manifest); err != nil {
		return Manifest{}, err
	}

	s.logger.Info("snapshot written", zap.Uint64("version", version), zap.Int("edgeTypes", len(files)))
	return manifest, nil
}

// LoadLatest returns the highest hot-tier version and its edges.
func (s *Store) LoadLatest() (Manifest, []*edge.Edge, error) {
	versions, err := s.listVersions(s.hotDir)
	if err != nil {
		return Manifest{}, nil, err
	}
	if len(versions) == 0 {
		return Manifest{}, nil, nil
	}
	return s.LoadAt(versions[len(versions)-1])
}

// LoadAt loads the snapshot for a specific version, checking the hot
// tier first and falling back to cold storage.
func (s *Store) LoadAt(version uint64) (Manifest, []*edge.Edge, error) {
	dir := s.versionDir(s.hotDir, version)
	if _, err := os.Stat(dir); err != nil {
		dir = s.versionDir(s.coldDir, version)
	}
	return LoadDir(dir)
}

// LoadDir loads and integrity-checks a snapshot directly from a
// directory, independent of any Store's configured hot/cold roots. The
// client replica uses this against the filesystem path handed back in
// a SNAPSHOT_REF message, which may not share this process's retention
// layout at all.
func LoadDir(dir string) (Manifest, []*edge.Edge, error) {
	manifest, err := readManifest(dir)
	if err != nil {
		return Manifest{}, nil, err
	}

	var edges []*edge.Edge
	for _, fm := range manifest.Files {
		path := filepath.Join(dir, fm.Path)
		digest, err := digestFile(path)
		if err != nil {
			return Manifest{}, nil, err
		}
		if digest != fm.Digest {
			return Manifest{}, nil, fmt.Errorf("snapshot: digest mismatch for %s: manifest says %s, file is %s — snapshot is corrupt", path, fm.Digest, digest)
		}
		rows, err := readEdgeCSV(path, edge.Type(fm.EdgeType))
		if err != nil {
			return Manifest{}, nil, err
		}
		edges = append(edges, rows...)
	}
	return manifest, edges, nil
}

// Prune keeps the most recent RetainHot versions in the hot tier and
// relocates everything older to cold storage. Cold versions remain
// loadable via LoadAt.
func (s *Store) Prune() error {
	versions, err := s.listVersions(s.hotDir)
	if err != nil {
		return err
	}
	if len(versions) <= s.retain {
		return nil
	}
	toMove := versions[:len(versions)-s.retain]
	for _, v := range toMove {
		src := s.versionDir(s.hotDir, v)
		dst := s.versionDir(s.coldDir, v)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("snapshot: migrate version %d to cold storage: %w", v, err)
		}
		s.logger.Info("snapshot migrated to cold storage", zap.Uint64("version", v))
	}
	return nil
}

// Locate returns the on-disk directory holding the given version's
// snapshot, checking the hot tier before cold storage. ok is false if
// no such version is retained anywhere.
func (s *Store) Locate(version uint64) (dir string, ok bool) {
	hot := s.versionDir(s.hotDir, version)
	if _, err := os.Stat(hot); err == nil {
		return hot, true
	}
	cold := s.versionDir(s.coldDir, version)
	if _, err := os.Stat(cold); err == nil {
		return cold, true
	}
	return "", false
}

// ListVersions returns every hot-tier version, ascending.
func (s *Store) ListVersions() ([]uint64, error) {
	return s.listVersions(s.hotDir)
}

func (s *Store) versionDir(base string, version uint64) string {
	return filepath.Join(base, strconv.FormatUint(version, 10))
}

func (s *Store) listVersions(base string) ([]uint64, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list %s: %w", base, err)
	}
	var out []uint64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, manifestFileName), data, 0o644)
}

func readManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: parse manifest: %w", err)
	}
	return m, nil
}

func digestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("snapshot: digest %s: %w", path, err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func digestManifest(files []FileManifest) string {
	h, _ := blake2b.New256(nil)
	for _, f := range files {
		h.Write([]byte(f.EdgeType))
		h.Write([]byte(f.Digest))
	}
	return hex.EncodeToString(h.Sum(nil))
}
