package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/handiism/background-downloader/internal/platform"
)

const (
	recordPrefix = "tasks/"
	nextIDKey    = "meta/next_id"
)

// record is the persisted form of a task.
type record struct {
	ID        int                `json:"id"`
	URL       string             `json:"url"`
	State     platform.TaskState `json:"state"`
	Offset    int64              `json:"offset"`
	ETag      string             `json:"etag,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// store keeps task records in a blob bucket, one object per task.
type store struct {
	bucket *blob.Bucket
}

func recordKey(id int) string {
	return recordPrefix + strconv.Itoa(id) + ".json"
}

func (s *store) put(ctx context.Context, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task %d: %w", rec.ID, err)
	}
	if err := s.bucket.WriteAll(ctx, recordKey(rec.ID), data, &blob.WriterOptions{
		ContentType: "application/json",
	}); err != nil {
		return fmt.Errorf("write task %d: %w", rec.ID, err)
	}
	return nil
}

func (s *store) get(ctx context.Context, id int) (record, bool, error) {
	data, err := s.bucket.ReadAll(ctx, recordKey(id))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return record{}, false, nil
		}
		return record{}, false, fmt.Errorf("read task %d: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, false, fmt.Errorf("parse task %d: %w", id, err)
	}
	return rec, true, nil
}

func (s *store) delete(ctx context.Context, id int) error {
	err := s.bucket.Delete(ctx, recordKey(id))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// list returns every parseable record. Unreadable objects are handed to
// skip and do not stop the listing.
func (s *store) list(ctx context.Context, skip func(error)) ([]record, error) {
	var recs []record
	it := s.bucket.List(&blob.ListOptions{Prefix: recordPrefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}

		id, err := strconv.Atoi(strings.TrimSuffix(path.Base(obj.Key), ".json"))
		if err != nil {
			skip(fmt.Errorf("unexpected task object %q", obj.Key))
			continue
		}
		rec, ok, err := s.get(ctx, id)
		if err != nil {
			skip(err)
			continue
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// putNextID records the first unused task ID so IDs are never reused, even
// after every task has completed.
func (s *store) putNextID(ctx context.Context, id int) error {
	if err := s.bucket.WriteAll(ctx, nextIDKey, []byte(strconv.Itoa(id)), nil); err != nil {
		return fmt.Errorf("write next task id: %w", err)
	}
	return nil
}

func (s *store) nextID(ctx context.Context) (int, error) {
	data, err := s.bucket.ReadAll(ctx, nextIDKey)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return 1, nil
		}
		return 0, fmt.Errorf("read next task id: %w", err)
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse next task id: %w", err)
	}
	return id, nil
}
