// Package mongostore keeps call records in MongoDB and follows them through change streams.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Callkit/internal/adapters/store"
	"github.com/dkeye/Callkit/internal/core"
	"github.com/dkeye/Callkit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	fieldID         = "_id"
	fieldCalleeID   = "callee_id"
	fieldStatus     = "status"
	fieldOffer      = "offer"
	fieldAnswer     = "answer"
	fieldAcceptedAt = "accepted_at"
	fieldEndedBy    = "ended_by"
	fieldEndReason  = "end_reason"
	fieldCreatedAt  = "created_at"

	fieldCallerCandidates = "caller_candidates"
	fieldCalleeCandidates = "callee_candidates"

	updateRetries = 3
)

var indexes = []mongo.IndexModel{
	{Keys: bson.D{{Key: fieldCalleeID, Value: 1}, {Key: fieldStatus, Value: 1}, {Key: fieldCreatedAt, Value: 1}}},
}

// callDoc is the stored shape: the record plus both candidate sequences as arrays.
type callDoc struct {
	domain.CallRecord `bson:",inline"`
	CallerCandidates  []domain.Candidate `bson:"caller_candidates"`
	CalleeCandidates  []domain.Candidate `bson:"callee_candidates"`
}

func (d *callDoc) candidates(role domain.Role) []domain.Candidate {
	if role == domain.RoleCaller {
		return d.CallerCandidates
	}
	return d.CalleeCandidates
}

func candidatesField(role domain.Role) string {
	if role == domain.RoleCaller {
		return fieldCallerCandidates
	}
	return fieldCalleeCandidates
}

type changeEvent struct {
	OperationType string   `bson:"operationType"`
	FullDocument  *callDoc `bson:"fullDocument"`
}

type Store struct {
	coll   *mongo.Collection
	logger zerolog.Logger

	mu     sync.Mutex
	closed bool
	cancel map[int]context.CancelFunc
	nextID int
	wg     sync.WaitGroup
}

var _ core.SignalStore = (*Store)(nil)

// Connect dials uri and verifies the deployment answers.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

// New binds the store to database.collection and ensures its indexes.
// Change streams need a replica set or a sharded cluster.
func New(ctx context.Context, client *mongo.Client, database, collection string) (*Store, error) {
	coll := client.Database(database).Collection(collection)
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return &Store{
		coll:   coll,
		logger: log.With().Str("module", "store.mongo").Str("collection", collection).Logger(),
		cancel: map[int]context.CancelFunc{},
	}, nil
}

func (s *Store) CreateCall(ctx context.Context, rec domain.CallRecord) error {
	doc := callDoc{
		CallRecord:       rec,
		CallerCandidates: []domain.Candidate{},
		CalleeCandidates: []domain.Candidate{},
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", core.ErrCallExists, rec.ID)
		}
		return fmt.Errorf("insert call: %w", err)
	}
	return nil
}

// UpdateCall applies u with a filter that encodes every guard of domain.CheckUpdate,
// so the check and the write are one atomic operation. A miss is diagnosed by
// reading the record back and running the same check.
func (s *Store) UpdateCall(ctx context.Context, id domain.CallID, u domain.CallUpdate) error {
	if u.Empty() {
		return nil
	}
	filter, set := updateQuery(id, u)
	for range updateRetries {
		res, err := s.coll.UpdateOne(ctx, filter, bson.D{{Key: "$set", Value: set}})
		if err != nil {
			return fmt.Errorf("update call: %w", err)
		}
		if res.MatchedCount == 1 {
			return nil
		}
		rec, err := s.GetCall(ctx, id)
		if err != nil {
			return err
		}
		if err := domain.CheckUpdate(&rec, u); err != nil {
			return err
		}
		// the record moved between the update and the read; try again
	}
	return fmt.Errorf("update call %s: contention", id)
}

func updateQuery(id domain.CallID, u domain.CallUpdate) (bson.D, bson.D) {
	filter := bson.D{{Key: fieldID, Value: id}}
	set := bson.D{}
	if u.Status != nil {
		filter = append(filter, bson.E{Key: fieldStatus, Value: bson.D{{Key: "$in", Value: domain.FromStatuses(*u.Status)}}})
		set = append(set, bson.E{Key: fieldStatus, Value: *u.Status})
		if u.Status.Terminal() {
			set = append(set,
				bson.E{Key: fieldEndedBy, Value: u.EndedBy},
				bson.E{Key: fieldEndReason, Value: u.EndReason},
			)
		}
		if *u.Status == domain.CallActive && u.Answer == nil {
			filter = append(filter, bson.E{Key: fieldAnswer, Value: bson.D{{Key: "$ne", Value: nil}}})
		}
	} else {
		filter = append(filter, bson.E{Key: fieldStatus, Value: bson.D{{Key: "$nin", Value: domain.TerminalStatuses()}}})
	}
	if u.Offer != nil {
		filter = append(filter, bson.E{Key: fieldOffer, Value: nil})
		set = append(set, bson.E{Key: fieldOffer, Value: *u.Offer})
	}
	if u.Answer != nil {
		filter = append(filter, bson.E{Key: fieldAnswer, Value: nil})
		if u.Offer == nil {
			filter = append(filter, bson.E{Key: fieldOffer, Value: bson.D{{Key: "$ne", Value: nil}}})
		}
		set = append(set, bson.E{Key: fieldAnswer, Value: *u.Answer})
	}
	if u.AcceptedAt != nil {
		filter = append(filter, bson.E{Key: fieldAcceptedAt, Value: nil})
		set = append(set, bson.E{Key: fieldAcceptedAt, Value: *u.AcceptedAt})
	}
	return filter, set
}

func (s *Store) AppendCandidate(ctx context.Context, id domain.CallID, role domain.Role, c domain.Candidate) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: fieldID, Value: id}},
		bson.D{{Key: "$push", Value: bson.D{{Key: candidatesField(role), Value: c}}}},
	)
	if err != nil {
		return fmt.Errorf("append %s candidate: %w", role, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	return nil
}

func (s *Store) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, error) {
	doc, err := s.find(ctx, id)
	if err != nil {
		return domain.CallRecord{}, err
	}
	return doc.CallRecord, nil
}

func (s *Store) find(ctx context.Context, id domain.CallID) (*callDoc, error) {
	var doc callDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: fieldID, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", core.ErrCallNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find call: %w", err)
	}
	return &doc, nil
}

func (s *Store) WatchCall(ctx context.Context, id domain.CallID, fn func(domain.CallRecord)) (core.Unsubscribe, error) {
	return watchDoc(ctx, s, id, fn, func(d *callDoc) domain.CallRecord { return d.CallRecord })
}

func (s *Store) WatchCandidates(ctx context.Context, id domain.CallID, role domain.Role, fn func([]domain.Candidate)) (core.Unsubscribe, error) {
	return watchDoc(ctx, s, id, fn, func(d *callDoc) []domain.Candidate { return d.candidates(role) })
}

// watchDoc opens the change stream before the initial read so no update is lost in between.
func watchDoc[T any](ctx context.Context, s *Store, id domain.CallID, fn func(T), pick func(*callDoc) T) (core.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "documentKey._id", Value: id},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"update", "replace"}}}},
		}}},
	}
	feed := store.NewFeed(fn)
	return follow(ctx, s, feed, pipeline,
		func(ctx context.Context) error {
			doc, err := s.find(ctx, id)
			if err != nil {
				return err
			}
			feed.Push(pick(doc))
			return nil
		},
		func(_ context.Context, ev changeEvent) error {
			if ev.FullDocument != nil {
				feed.Push(pick(ev.FullDocument))
			}
			return nil
		},
	)
}

func (s *Store) WatchIncoming(ctx context.Context, callee domain.ParticipantID, fn func([]domain.CallRecord)) (core.Unsubscribe, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "fullDocument." + fieldCalleeID, Value: callee},
			{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}},
		}}},
	}
	feed := store.NewFeed(fn)
	refresh := func(ctx context.Context) error {
		recs, err := s.ringing(ctx, callee)
		if err != nil {
			return err
		}
		feed.Push(recs)
		return nil
	}
	return follow(ctx, s, feed, pipeline, refresh, func(ctx context.Context, _ changeEvent) error {
		return refresh(ctx)
	})
}

func (s *Store) ringing(ctx context.Context, callee domain.ParticipantID) ([]domain.CallRecord, error) {
	cur, err := s.coll.Find(ctx,
		bson.D{{Key: fieldCalleeID, Value: callee}, {Key: fieldStatus, Value: domain.CallRinging}},
		options.Find().SetSort(bson.D{{Key: fieldCreatedAt, Value: 1}, {Key: fieldID, Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find ringing: %w", err)
	}
	var docs []callDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ringing: %w", err)
	}
	out := make([]domain.CallRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.CallRecord)
	}
	store.SortIncoming(out)
	return out, nil
}

// follow opens a change stream, runs initial, then calls onEvent for every event
// until the subscription is released or ctx is done.
func follow[T any](ctx context.Context, s *Store, feed *store.Feed[T], pipeline mongo.Pipeline,
	initial func(context.Context) error, onEvent func(context.Context, changeEvent) error,
) (core.Unsubscribe, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		feed.Stop()
		return nil, errors.New("mongo store closed")
	}
	s.nextID++
	n := s.nextID
	streamCtx, cancel := context.WithCancel(context.Background())
	s.cancel[n] = cancel
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.cancel, n)
		s.mu.Unlock()
		cancel()
	}
	fail := func(err error) (core.Unsubscribe, error) {
		release()
		feed.Stop()
		return nil, err
	}

	cs, err := s.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return fail(fmt.Errorf("open change stream: %w", err))
	}
	if err := initial(ctx); err != nil {
		_ = cs.Close(context.Background())
		return fail(err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = cs.Close(context.Background()) }()
		for cs.Next(streamCtx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				s.logger.Warn().Err(err).Msg("decode change event")
				continue
			}
			if err := onEvent(streamCtx, ev); err != nil && streamCtx.Err() == nil {
				s.logger.Warn().Err(err).Msg("change event handler")
			}
		}
		if err := cs.Err(); err != nil && streamCtx.Err() == nil {
			s.logger.Error().Err(err).Msg("change stream ended")
		}
	}()
	return store.StopOnDone(ctx, feed, release), nil
}

// Close ends every change stream and waits for the readers. The client stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	for n, cancel := range s.cancel {
		cancel()
		delete(s.cancel, n)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
