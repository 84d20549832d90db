package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	errs "github.com/drayq/drayq/internal/errors"
	"go.etcd.io/bbolt"
)

var bucketResults = ns("results")

type boltStore struct {
	mu sync.RWMutex

	logger *slog.Logger
	db     *bbolt.DB
	opts   *BoltOpts
}

type BoltOpts struct {
	Path   string
	Logger *slog.Logger
}

func NewBoltStore(opts *BoltOpts) (Store, error) {
	o := defaultBoltOpts(opts)
	str := &boltStore{
		opts:   o,
		logger: o.Logger,
	}
	return str, str.init()
}

func defaultBoltOpts(o *BoltOpts) *BoltOpts {
	def := &BoltOpts{
		Path:   "results.db",
		Logger: slog.Default(),
	}
	if o == nil {
		return def
	}
	if len(o.Path) > 0 {
		def.Path = o.Path
	}
	if o.Logger != nil {
		def.Logger = o.Logger
	}

	return def
}

func (s *boltStore) init() error {
	db, err := bbolt.Open(s.opts.Path, 0600, &bbolt.Options{
		Timeout: time.Second * 1,
	})
	if err != nil {
		return err
	}
	s.db = db

	return nil
}

func (s *boltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.db = nil
	return nil
}

func (s *boltStore) Put(_ context.Context, e *Entry) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return errs.ErrShutdown
	}

	tx := func(tx *bbolt.Tx) error {
		return s.put(tx, e)
	}

	if err := db.Update(tx); err != nil {
		return err
	}

	return nil
}

func (s *boltStore) put(tx *bbolt.Tx, e *Entry) error {
	bucket, err := tx.CreateBucketIfNotExists(bytes(bucketResults))
	if err != nil {
		return fmt.Errorf("failed to initialize results bucket: %w", err)
	}

	e.UpdatedAt = time.Now()

	enc, err := Encode(e)
	if err != nil {
		return err
	}

	if err := bucket.Put(bytes(resultKey(e.TaskID)), enc); err != nil {
		return fmt.Errorf("failed to save result entry: %w", err)
	}

	return nil
}

func (s *boltStore) Get(_ context.Context, taskID string) (e *Entry, err error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, errs.ErrShutdown
	}

	err = db.View(func(tx *bbolt.Tx) error {
		e, err = s.get(tx, taskID)
		return err
	})

	return e, err
}

func (s *boltStore) get(tx *bbolt.Tx, taskID string) (*Entry, error) {
	bucket := tx.Bucket(bytes(bucketResults))
	if bucket == nil {
		return nil, errs.NewErrNotFound("result")
	}

	data := bucket.Get(bytes(resultKey(taskID)))
	if data == nil {
		return nil, errs.NewErrNotFound("result")
	}

	return Decode(data)
}

func bytes(str string) []byte {
	return []byte(str)
}
