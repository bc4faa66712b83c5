// Package export provides backup export and restore of the local data
// document. Archives are gzip-compressed JSON carrying a manifest with a
// checksum over the data payload.
package export

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doselog/doselog/internal/clock"
	"github.com/doselog/doselog/internal/errors"
	"github.com/doselog/doselog/internal/logging"
	"github.com/doselog/doselog/internal/models"
	"github.com/doselog/doselog/internal/store"
	"github.com/doselog/doselog/internal/sync/queue"
)

const manifestVersion = "1.0"

// Manifest describes an export archive.
type Manifest struct {
	Version     string    `json:"version"`
	ExportedAt  time.Time `json:"exportedAt"`
	RecordCount int       `json:"recordCount"`
	Checksum    string    `json:"checksum"` // sha256 over the data payload
}

// archive is the on-disk layout under the gzip layer.
type archive struct {
	Manifest Manifest             `json:"manifest"`
	Data     *models.DataDocument `json:"data"`
}

// Service exports and restores the data document.
type Service struct {
	store *store.Store
	queue *queue.Queue
	clock clock.Clock
}

// NewService creates an export Service. The queue receives create operations
// for records restored by Import so the remote replica converges.
func NewService(st *store.Store, q *queue.Queue, clk clock.Clock) *Service {
	return &Service{store: st, queue: q, clock: clk}
}

// Result reports a completed export.
type Result struct {
	FilePath    string
	SizeBytes   int64
	RecordCount int
	Checksum    string
}

// ImportResult reports a completed restore.
type ImportResult struct {
	Imported int
	Skipped  int
}

// Export writes the current data document to a gzip JSON archive. An empty
// outputPath derives a timestamped name in the working directory.
func (s *Service) Export(outputPath string) (*Result, error) {
	doc := s.store.LoadData()

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode data document", err)
	}
	count := len(doc.Injections) + len(doc.Vials) + len(doc.Weights)

	manifest := Manifest{
		Version:     manifestVersion,
		ExportedAt:  s.clock.Now().UTC(),
		RecordCount: count,
		Checksum:    fmt.Sprintf("%x", sha256.Sum256(data)),
	}

	if outputPath == "" {
		outputPath = fmt.Sprintf("doselog_%s.json.gz", s.clock.Now().Format("20060102_150405"))
	}
	if dir := filepath.Dir(outputPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "failed to create export directory", err)
		}
	}

	// write to a temp file, rename when complete
	tempPath := outputPath + ".tmp"
	if err := writeArchive(tempPath, &archive{Manifest: manifest, Data: doc}); err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	if err := os.Rename(tempPath, outputPath); err != nil {
		os.Remove(tempPath)
		return nil, errors.Wrap(errors.ErrStorage, "failed to finalize export file", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to stat export file", err)
	}

	logging.Info("Exported data document",
		map[string]interface{}{
			"path":    outputPath,
			"records": count,
			"bytes":   info.Size(),
		})

	return &Result{
		FilePath:    outputPath,
		SizeBytes:   info.Size(),
		RecordCount: count,
		Checksum:    manifest.Checksum,
	}, nil
}

func writeArchive(path string, arch *archive) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to create export file", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := json.NewEncoder(gz).Encode(arch); err != nil {
		gz.Close()
		return errors.Wrap(errors.ErrStorage, "failed to write export archive", err)
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to flush export archive", err)
	}
	return f.Close()
}

// Import restores records from an archive into the local store. Records
// whose id already exists locally are skipped; restored records are queued
// as creates so the remote replica receives them on the next sync.
func (s *Service) Import(archivePath string) (*ImportResult, error) {
	arch, err := readArchive(archivePath)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(arch.Data)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to re-encode archive data", err)
	}
	if sum := fmt.Sprintf("%x", sha256.Sum256(data)); sum != arch.Manifest.Checksum {
		return nil, errors.Newf(errors.ErrParse,
			"archive checksum mismatch: manifest %s, computed %s", arch.Manifest.Checksum, sum)
	}

	doc := s.store.LoadData()
	result := &ImportResult{}

	for _, inj := range arch.Data.Injections {
		if doc.FindInjection(string(inj.ID)) >= 0 {
			result.Skipped++
			continue
		}
		doc.Injections = append(doc.Injections, inj)
		s.enqueueCreate(models.EntityInjections, string(inj.ID), inj)
		result.Imported++
	}
	for _, v := range arch.Data.Vials {
		if doc.FindVial(string(v.ID)) >= 0 {
			result.Skipped++
			continue
		}
		doc.Vials = append(doc.Vials, v)
		s.enqueueCreate(models.EntityVials, string(v.ID), v)
		result.Imported++
	}
	for _, w := range arch.Data.Weights {
		if doc.FindWeight(string(w.ID)) >= 0 {
			result.Skipped++
			continue
		}
		doc.Weights = append(doc.Weights, w)
		s.enqueueCreate(models.EntityWeights, string(w.ID), w)
		result.Imported++
	}

	if result.Imported > 0 {
		if err := s.store.SaveData(doc); err != nil {
			return result, err
		}
	}

	logging.Info("Imported data archive",
		map[string]interface{}{
			"path":     archivePath,
			"imported": result.Imported,
			"skipped":  result.Skipped,
		})

	return result, nil
}

func readArchive(path string) (*archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "failed to open archive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(errors.ErrParse, "archive is not gzip compressed", err)
	}
	defer gz.Close()

	var arch archive
	if err := json.NewDecoder(gz).Decode(&arch); err != nil {
		return nil, errors.Wrap(errors.ErrParse, "failed to decode archive", err)
	}
	if arch.Data == nil {
		return nil, errors.New(errors.ErrParse, "archive carries no data document")
	}
	return &arch, nil
}

func (s *Service) enqueueCreate(entityType models.EntityType, id string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to encode restored record", err,
			map[string]interface{}{"entity_id": id})
		return
	}
	if _, err := s.queue.Enqueue(models.OperationCreate, entityType, id, raw); err != nil {
		logging.Error("Failed to queue restored record", err,
			map[string]interface{}{"entity_id": id})
	}
}
