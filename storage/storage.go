// Package storage handles persistence of subscribers, detection records and daily plan archives.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sph-notifier/pkg/notifier"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when an archive does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

const archivePrefix = "archive-"

// ArchiveStore keeps daily plan archives in a Cloud Storage bucket or a local directory.
type ArchiveStore struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// NewArchiveStore creates an archive store. When localPath is set the bucket is ignored.
func NewArchiveStore(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *ArchiveStore {
	return &ArchiveStore{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// ArchiveKey generates the object name for a day.
// Returns "" unless day is a valid calendar day, so it is safe to use as a file name.
func ArchiveKey(day string) string {
	if _, err := time.Parse(notifier.DayLayout, day); err != nil {
		return ""
	}
	return archivePrefix + day + ".json"
}

// SaveArchive writes the snapshot for a day.
func (s *ArchiveStore) SaveArchive(ctx context.Context, archive notifier.DailyArchive) error {
	key := ArchiveKey(archive.Day)
	if key == "" {
		return fmt.Errorf("invalid archive day %q", archive.Day)
	}
	s.logger.Debug("Saving archive", "key", key, "entries", len(archive.Entries))

	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}

	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("%w: write to local storage: %w", notifier.ErrPersistence, err)
		}

		s.logger.Info("Archive saved to local storage", "path", filePath, "entries", len(archive.Entries))
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying archive save after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("%w: save after retries: %w", notifier.ErrPersistence, err)
	}

	s.logger.Info("Archive saved", "bucket", s.bucket, "key", key, "entries", len(archive.Entries))
	return nil
}

// LoadArchive reads the snapshot stored for day.
func (s *ArchiveStore) LoadArchive(ctx context.Context, day string) (*notifier.DailyArchive, error) {
	key := ArchiveKey(day)
	if key == "" {
		return nil, ErrNotFound
	}

	var data []byte
	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("%w: read from local storage: %w", notifier.ErrPersistence, err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying archive load after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if IsNotFound(err) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("%w: load after retries: %w", notifier.ErrPersistence, err)
		}
	}

	var archive notifier.DailyArchive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("unmarshal archive: %w", err)
	}
	return &archive, nil
}

// ListArchives returns the archived days, oldest first.
func (s *ArchiveStore) ListArchives(ctx context.Context) ([]string, error) {
	var days []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("%w: read local storage directory: %w", notifier.ErrPersistence, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if day, ok := dayFromKey(entry.Name()); ok {
				days = append(days, day)
			}
		}
		sort.Strings(days)
		return days, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: archivePrefix,
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: iterate storage: %w", notifier.ErrPersistence, err)
		}
		if day, ok := dayFromKey(attrs.Name); ok {
			days = append(days, day)
		}
	}

	sort.Strings(days)
	return days, nil
}

func dayFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".json")
	if ArchiveKey(day) == "" {
		return "", false
	}
	return day, true
}

// IsNotFound checks if an error indicates an archive was not found.
func IsNotFound(err error) bool {
	return err != nil && (errors.Is(err, ErrNotFound) || strings.Contains(err.Error(), ErrNotFound.Error()))
}
