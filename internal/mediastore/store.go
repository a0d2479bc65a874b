package mediastore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"clip-acquirer/internal/model"
)

const (
	partSuffix = ".part"
	infoSuffix = ".info.json"
	titleSep   = "__"
	digestSep  = "~"
	maxTitle   = 80
)

var (
	reUnsafe    = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
	reCleanID   = regexp.MustCompile(`^[A-Za-z0-9-]+(_[A-Za-z0-9-]+)*$`)
	reUnderRuns = regexp.MustCompile(`_{2,}`)
	reFormatTmp = regexp.MustCompile(`\.f[0-9]+(-[0-9]+)?\.[A-Za-z0-9]+$`)

	mediaExts = map[string]bool{
		".mp4": true, ".webm": true, ".mkv": true, ".mov": true,
		".m4a": true, ".mp3": true, ".m4v": true, ".ts": true,
	}
)

// Store owns the output directory. Files are named by resource id, optionally
// followed by "__" and a sanitized title; a finished file is the cache signal
// for its resource.
type Store struct {
	dir string
}

// Info is written next to every finished file.
type Info struct {
	ResourceID   string          `json:"resource_id"`
	SourceURL    string          `json:"source_url"`
	StrategyUsed string          `json:"strategy_used"`
	Video        model.VideoInfo `json:"video"`
	CompletedAt  string          `json:"completed_at"`
}

func New(dir string) (*Store, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolve output directory %s: %w", target, err)
	}
	if err := Mkdir(abs); err != nil {
		return nil, err
	}
	return &Store{dir: abs}, nil
}

func (s *Store) Dir() string { return s.dir }

// SafeID maps a resource id onto a file-name stem that never contains the
// title separator. Ids that are already safe are kept as they are; any other
// id gets a digest of the raw value after "~" so two ids never share a stem.
func SafeID(resourceID string) string {
	if reCleanID.MatchString(resourceID) {
		return resourceID
	}
	v := reUnsafe.ReplaceAllString(strings.TrimSpace(resourceID), "_")
	v = reUnderRuns.ReplaceAllString(v, "_")
	v = strings.Trim(v, "_")
	if v == "" {
		v = "video"
	}
	sum := sha256.Sum256([]byte(resourceID))
	return v + digestSep + hex.EncodeToString(sum[:6])
}

func SanitizeTitle(title string) string {
	v := reUnsafe.ReplaceAllString(strings.TrimSpace(title), "_")
	v = reUnderRuns.ReplaceAllString(v, "_")
	v = strings.Trim(v, "_-")
	if len(v) > maxTitle {
		v = strings.TrimRight(v[:maxTitle], "_-")
	}
	return v
}

// Reserve returns the final destination path for a resource.
func (s *Store) Reserve(resourceID, title, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ext)), ".")
	if ext == "" {
		ext = "mp4"
	}
	name := SafeID(resourceID)
	if t := SanitizeTitle(title); t != "" {
		name += titleSep + t
	}
	return filepath.Join(s.dir, name+"."+ext)
}

// OutputTemplate is the fetch-tool output template for a resource.
func (s *Store) OutputTemplate(resourceID string) string {
	return filepath.Join(s.dir, SafeID(resourceID)+titleSep+"%(title).60B.%(ext)s")
}

func TempPath(dest string) string {
	return dest + partSuffix
}

func (s *Store) Finalize(tmp, dest string) error {
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", dest, err)
	}
	return nil
}

func (s *Store) WriteInfo(dest string, info Info) error {
	if info.CompletedAt == "" {
		info.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	return WriteJSON(dest+infoSuffix, info)
}

func (s *Store) ReadInfo(dest string) (Info, error) {
	var info Info
	if err := ReadJSON(dest+infoSuffix, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}

// Lookup finds a finished, non-empty media file for resourceID.
func (s *Store) Lookup(resourceID string) (string, bool) {
	matches := s.owned(resourceID)
	for _, p := range matches {
		if !isFinishedMedia(p) {
			continue
		}
		st, err := os.Stat(p)
		if err != nil || st.IsDir() || st.Size() == 0 {
			continue
		}
		return p, true
	}
	return "", false
}

// Cleanup removes partial and intermediate files left for resourceID.
func (s *Store) Cleanup(resourceID string) {
	for _, p := range s.owned(resourceID) {
		if !isFinishedMedia(p) && !strings.HasSuffix(p, infoSuffix) {
			_ = os.Remove(p)
		}
	}
}

func (s *Store) owned(resourceID string) []string {
	stem := SafeID(resourceID)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	out := make([]string, 0, 2)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, stem+".") || strings.HasPrefix(name, stem+titleSep) {
			out = append(out, filepath.Join(s.dir, name))
		}
	}
	sort.Strings(out)
	return out
}

func isFinishedMedia(path string) bool {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, partSuffix),
		strings.HasSuffix(name, ".ytdl"),
		strings.HasSuffix(name, infoSuffix),
		strings.Contains(name, ".temp."),
		reFormatTmp.MatchString(name):
		return false
	}
	return mediaExts[strings.ToLower(filepath.Ext(name))]
}
