package export

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/crawlcore/internal/common"
	"github.com/ternarybob/crawlcore/internal/coordinator"
	"github.com/ternarybob/crawlcore/internal/interfaces"
	"github.com/ternarybob/crawlcore/internal/metrics"
	"github.com/ternarybob/crawlcore/internal/models"
)

// TooLargeError rejects an in-memory export whose result set would not fit
// the configured memory limit. Callers should retry as a streaming export.
type TooLargeError struct {
	RecordCount int64
	Limit       int
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("export of %d records exceeds in-memory limit of %d; use a streaming export", e.RecordCount, e.Limit)
}

// Service exports a tenant's audit logs to CSV or JSONL, in-memory for small
// result sets or streamed to a file for large ones.
type Service struct {
	audit  interfaces.AuditStorage
	coord  *coordinator.Client
	config common.ExportConfig
	logger arbor.ILogger
}

// NewService creates an export service
func NewService(audit interfaces.AuditStorage, coord *coordinator.Client, config common.ExportConfig, logger arbor.ILogger) *Service {
	return &Service{
		audit:  audit,
		coord:  coord,
		config: config,
		logger: logger,
	}
}

// ExportCSV renders matching rows as a CSV document in memory
func (s *Service) ExportCSV(ctx context.Context, filter interfaces.AuditFilter) (string, error) {
	if err := s.checkMemoryLimit(ctx, filter); err != nil {
		return "", err
	}

	var sb strings.Builder
	w := csv.NewWriter(&sb)
	if err := w.Write(csvHeader); err != nil {
		return "", err
	}

	_, err := s.iterate(ctx, filter, func(entry *models.AuditLog) error {
		record, err := csvRecord(entry)
		if err != nil {
			return err
		}
		return w.Write(record)
	}, nil)
	if err != nil {
		return "", err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// ExportJSONL renders matching rows as newline-delimited JSON in memory
func (s *Service) ExportJSONL(ctx context.Context, filter interfaces.AuditFilter) (string, error) {
	if err := s.checkMemoryLimit(ctx, filter); err != nil {
		return "", err
	}

	var sb strings.Builder
	_, err := s.iterate(ctx, filter, func(entry *models.AuditLog) error {
		line, err := jsonlLine(entry)
		if err != nil {
			return err
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		return nil
	}, nil)
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// StreamToFile writes matching rows to path via a temp file and an atomic
// rename, so a crash or cancellation never leaves a partial file at the
// target. Every progressInterval rows the cancellation check and progress
// callback run; a true cancellation check stops the export and removes the
// temp file. Returns the processed count and whether the export was
// cancelled.
func (s *Service) StreamToFile(ctx context.Context, path string, format models.ExportFormat, filter interfaces.AuditFilter, progress func(processed, total int64), cancelledCheck func() bool) (int64, bool, error) {
	bufferSize := common.ClampInt(s.config.BufferSize, 1, 10000)
	progressInterval := s.config.ProgressInterval
	if progressInterval < 1 {
		progressInterval = 1
	}

	total, err := s.countCapped(ctx, filter)
	if err != nil {
		return 0, false, err
	}

	tmpPath := fmt.Sprintf("%s.%s.tmp", path, randomSuffix())
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create temp export file: %w", err)
	}

	var csvWriter *csv.Writer
	if format == models.ExportFormatCSV {
		csvWriter = csv.NewWriter(file)
		if err := csvWriter.Write(csvHeader); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return 0, false, err
		}
	}

	var processed int64
	var sinceFlush int
	cancelled := false

	_, err = s.iterate(ctx, filter, func(entry *models.AuditLog) error {
		if err := writeRow(file, csvWriter, format, entry); err != nil {
			return err
		}
		processed++
		sinceFlush++
		metrics.ExportRows.WithLabelValues(string(format)).Inc()

		if sinceFlush >= bufferSize {
			if csvWriter != nil {
				csvWriter.Flush()
			}
			sinceFlush = 0
		}

		if processed%int64(progressInterval) == 0 {
			if cancelledCheck != nil && cancelledCheck() {
				cancelled = true
				return errStopIteration
			}
			if progress != nil {
				progress(processed, total)
			}
		}
		return nil
	}, &cancelled)

	if csvWriter != nil {
		csvWriter.Flush()
		if ferr := csvWriter.Error(); ferr != nil && err == nil {
			err = ferr
		}
	}
	if cerr := file.Close(); cerr != nil && err == nil {
		err = cerr
	}

	if cancelled {
		os.Remove(tmpPath)
		return processed, true, nil
	}
	if err != nil {
		os.Remove(tmpPath)
		return processed, false, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return processed, false, fmt.Errorf("failed to finalize export file: %w", err)
	}

	return processed, false, nil
}

// errStopIteration signals a clean early stop from the row callback
var errStopIteration = fmt.Errorf("stop iteration")

// iterate pulls rows in batches through the seek cursor and feeds them to fn.
// Memory stays flat regardless of result size. A stopped flag set via
// errStopIteration ends the walk without error.
func (s *Service) iterate(ctx context.Context, filter interfaces.AuditFilter, fn func(*models.AuditLog) error, stopped *bool) (int64, error) {
	batchSize := common.ClampInt(s.config.BatchSize, 1, 5000)

	var processed int64
	var cursorTime time.Time
	var cursorID string

	for {
		if filter.MaxRecords > 0 {
			remaining := int64(filter.MaxRecords) - processed
			if remaining <= 0 {
				return processed, nil
			}
			if remaining < int64(batchSize) {
				batchSize = int(remaining)
			}
		}

		batch, err := s.audit.QueryBatch(ctx, filter, cursorTime, cursorID, batchSize)
		if err != nil {
			return processed, err
		}
		if len(batch) == 0 {
			return processed, nil
		}

		for i := range batch {
			if err := fn(&batch[i]); err != nil {
				if err == errStopIteration {
					if stopped != nil {
						*stopped = true
					}
					return processed, nil
				}
				return processed, err
			}
			processed++
		}

		last := batch[len(batch)-1]
		cursorTime = last.Timestamp
		cursorID = last.ID

		if len(batch) < batchSize {
			return processed, nil
		}
	}
}

// checkMemoryLimit rejects in-memory exports past the configured row limit
func (s *Service) checkMemoryLimit(ctx context.Context, filter interfaces.AuditFilter) error {
	if filter.MaxRecords > s.config.MemoryLimit {
		return &TooLargeError{RecordCount: int64(filter.MaxRecords), Limit: s.config.MemoryLimit}
	}
	if filter.MaxRecords > 0 {
		return nil
	}

	count, err := s.audit.Count(ctx, filter)
	if err != nil {
		return err
	}
	if count > int64(s.config.MemoryLimit) {
		return &TooLargeError{RecordCount: count, Limit: s.config.MemoryLimit}
	}
	return nil
}

// countCapped counts matching rows, capped by max_records when set
func (s *Service) countCapped(ctx context.Context, filter interfaces.AuditFilter) (int64, error) {
	count, err := s.audit.Count(ctx, filter)
	if err != nil {
		return 0, err
	}
	if filter.MaxRecords > 0 && count > int64(filter.MaxRecords) {
		count = int64(filter.MaxRecords)
	}
	return count, nil
}

func writeRow(file *os.File, csvWriter *csv.Writer, format models.ExportFormat, entry *models.AuditLog) error {
	if format == models.ExportFormatCSV {
		record, err := csvRecord(entry)
		if err != nil {
			return err
		}
		return csvWriter.Write(record)
	}

	line, err := jsonlLine(entry)
	if err != nil {
		return err
	}
	_, err = file.WriteString(line + "\n")
	return err
}

// csvRecord renders an entry in the fixed column order, with the injection
// guard applied to the free-text columns
func csvRecord(entry *models.AuditLog) ([]string, error) {
	metadata, err := serializeMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}

	return []string{
		entry.Timestamp.UTC().Format(time.RFC3339),
		entry.ActorID,
		string(entry.ActorType),
		string(entry.Action),
		entry.EntityType,
		entry.EntityID,
		guardCell(entry.Description),
		string(entry.Outcome),
		guardCell(entry.ErrorMessage),
		guardCell(metadata),
	}, nil
}

// jsonlLine renders an entry as one JSON object with normalized metadata
func jsonlLine(entry *models.AuditLog) (string, error) {
	metadata, err := normalizeValue(map[string]interface{}(entry.Metadata))
	if err != nil {
		return "", err
	}

	line := map[string]interface{}{
		"timestamp":     entry.Timestamp.UTC().Format(time.RFC3339),
		"actor_id":      entry.ActorID,
		"actor_type":    string(entry.ActorType),
		"action":        string(entry.Action),
		"entity_type":   entry.EntityType,
		"entity_id":     entry.EntityID,
		"description":   entry.Description,
		"outcome":       string(entry.Outcome),
		"error_message": entry.ErrorMessage,
		"metadata":      metadata,
	}

	data, err := json.Marshal(line)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func randomSuffix() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}
