package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// SwapRecord is the durable progress marker of a multi-step identity
// swap. Step is the number of steps known to have completed.
type SwapRecord struct {
	Key       string            `json:"key"`
	Kind      string            `json:"kind"`
	Step      int               `json:"step"`
	Params    map[string]string `json:"params,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Journal persists SwapRecords under "swap/<kind>/<key>".
type Journal struct {
	store Store
	kind  string
}

func NewJournal(s Store, kind string) *Journal {
	return &Journal{store: s, kind: kind}
}

func (j *Journal) path(key string) string {
	return "swap/" + j.kind + "/" + key
}

// Load returns the record for key, or a fresh one at step zero.
func (j *Journal) Load(ctx context.Context, key string) (SwapRecord, error) {
	rec := SwapRecord{Key: key, Kind: j.kind}
	if _, err := j.store.Get(ctx, j.path(key), &rec); err != nil {
		return rec, errors.Wrapf(err, "loading %s swap record for %s", j.kind, key)
	}
	return rec, nil
}

// Advance records that step has completed.
func (j *Journal) Advance(ctx context.Context, rec *SwapRecord, step int) error {
	rec.Step = step
	rec.UpdatedAt = time.Now().UTC()
	return errors.Wrapf(j.store.Put(ctx, j.path(rec.Key), rec), "saving %s swap record for %s", j.kind, rec.Key)
}

// Clear removes the record once the swap has finished.
func (j *Journal) Clear(ctx context.Context, key string) error {
	return j.store.Delete(ctx, j.path(key))
}
