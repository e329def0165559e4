package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"

	"github.com/tjanez/tus/core/model"
)

var ErrSessionNotFound = errors.New("session not found")

// Store persists one record per backup or restore run, so operators can
// inspect run history after the fact.
type Store struct {
	Sessions *dslvl.Datastore
}

func NewStore(path string) (*Store, error) {
	store, err := dslvl.NewDatastore(path, nil)
	if err != nil {
		return nil, err
	}

	return &Store{
		Sessions: store,
	}, nil
}

func (s *Store) Put(ctx context.Context, sess model.Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	k := ds.NewKey(sess.ID.String())
	return s.Sessions.Put(ctx, k, b)
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Session, error) {
	k := ds.NewKey(id.String())
	b, err := s.Sessions.Get(ctx, k)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	var sess model.Session
	err = json.Unmarshal(b, &sess)
	if err != nil {
		return nil, err
	}

	return &sess, nil
}

// SetStatus updates a persisted session's terminal state.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status model.SessionStatus, detail string, cursor int64) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	sess.Status = status
	sess.Detail = detail
	sess.Cursor = cursor
	if status != model.SessionRunning {
		sess.EndedAt = time.Now().UTC()
	}

	return s.Put(ctx, *sess)
}

// All returns every persisted session, most recently started first.
func (s *Store) All(ctx context.Context) ([]*model.Session, error) {
	q := dsq.Query{}
	sessions := make([]*model.Session, 0)

	res, err := s.Sessions.Query(ctx, q)
	if err != nil {
		return sessions, err
	}

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}

		var sess model.Session
		err = json.Unmarshal(r.Value, &sess)
		if err != nil {
			return sessions, err
		}
		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return sessions, err
}

func (s *Store) Close() error {
	return s.Sessions.Close()
}
