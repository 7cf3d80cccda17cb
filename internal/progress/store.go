package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultFileName is the name of the progress file inside the state directory.
const DefaultFileName = "upload_progress.json"

// Record is the persisted state of one partially completed upload.
type Record struct {
	TotalSize    int64  `json:"totalSize"`
	UploadedSize int64  `json:"uploadedSize"`
	SessionToken string `json:"sessionToken,omitempty"`
}

// CorruptStoreError describes a progress file that could not be parsed.
type CorruptStoreError struct {
	Path string
	Err  error
}

func (e *CorruptStoreError) Error() string {
	return fmt.Sprintf("corrupt progress store %s: %v", e.Path, e.Err)
}

func (e *CorruptStoreError) Unwrap() error {
	return e.Err
}

// Store is a JSON-file backed map from file name to Record. Every mutation is
// written to disk before it returns.
type Store struct {
	fs   afero.Fs
	path string
	log  logrus.FieldLogger

	mu      sync.Mutex
	records map[string]Record
}

// Open loads the store at path. A missing or unreadable file yields an empty
// store; corruption is logged, never returned.
func Open(fs afero.Fs, path string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Store{
		fs:      fs,
		path:    path,
		log:     log,
		records: make(map[string]Record),
	}
	if err := s.load(); err != nil {
		log.WithError(err).Warn("Starting with empty upload progress")
	}
	return s
}

func (s *Store) load() error {
	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read progress store: %w", err)
	}

	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return &CorruptStoreError{Path: s.path, Err: err}
	}
	for name, r := range records {
		s.records[name] = normalize(r)
	}
	return nil
}

// Get returns the record for fileName.
func (s *Store) Get(fileName string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fileName]
	return r, ok
}

// All returns a copy of every record.
func (s *Store) All() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Record, len(s.records))
	for name, r := range s.records {
		out[name] = r
	}
	return out
}

// Names returns the file names with a record, sorted.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save records progress for fileName and persists the store.
//
// Within one session the uploaded size never decreases, so late callbacks
// cannot move the resume offset backwards. A different session token starts
// the record over.
func (s *Store) Save(fileName string, totalSize, uploadedSize int64, sessionToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := Record{TotalSize: totalSize, UploadedSize: uploadedSize, SessionToken: sessionToken}
	if cur, ok := s.records[fileName]; ok && cur.TotalSize == totalSize {
		if sessionToken == "" || sessionToken == cur.SessionToken {
			next.SessionToken = cur.SessionToken
			if cur.UploadedSize > next.UploadedSize {
				next.UploadedSize = cur.UploadedSize
			}
		}
	}
	s.records[fileName] = normalize(next)

	return s.persist()
}

// Clear removes the record for fileName and persists the store.
func (s *Store) Clear(fileName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[fileName]; !ok {
		return nil
	}
	delete(s.records, fileName)
	return s.persist()
}

// persist writes the store to a temporary file and renames it into place.
// Callers must hold s.mu.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create progress dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0600); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace progress file: %w", err)
	}
	return nil
}

func normalize(r Record) Record {
	if r.TotalSize < 0 {
		r.TotalSize = 0
	}
	if r.UploadedSize < 0 {
		r.UploadedSize = 0
	}
	if r.UploadedSize > r.TotalSize {
		r.UploadedSize = r.TotalSize
	}
	return r
}
