// Package store implements the SignalingChannel port. The Mongo variant
// backs the shared call documents and candidate collection with change
// streams for live observation; the memory variant serves tests and
// single-host runs.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/letstalk/callkit/internal/domain"
)

const (
	callsCollection      = "calls"
	candidatesCollection = "call_candidates"
)

// MongoChannel is a document-store signaling channel. Call documents are
// keyed by call id; candidates live in their own append-only collection.
// Observe methods require the server to support change streams.
type MongoChannel struct {
	calls      *mongo.Collection
	candidates *mongo.Collection
}

func NewMongoChannel(db *mongo.Database) *MongoChannel {
	return &MongoChannel{
		calls:      db.Collection(callsCollection),
		candidates: db.Collection(candidatesCollection),
	}
}

func (s *MongoChannel) PublishOffer(ctx context.Context, session domain.CallSession) error {
	_, err := s.calls.InsertOne(ctx, session)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("call %s: %w", session.ID, domain.ErrCallExists)
	}
	return err
}

func (s *MongoChannel) PublishAnswer(ctx context.Context, callID, sdp string) error {
	res, err := s.calls.UpdateOne(ctx,
		bson.M{"_id": callID, "sdp_offer": bson.M{"$exists": true, "$ne": ""}},
		bson.M{"$set": bson.M{"sdp_answer": sdp}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		if _, err := s.FetchCall(ctx, callID); err != nil {
			return err
		}
		return fmt.Errorf("call %s: %w", callID, domain.ErrOfferMissing)
	}
	return nil
}

func (s *MongoChannel) UpdateOffer(ctx context.Context, callID, sdp string) error {
	res, err := s.calls.UpdateOne(ctx,
		bson.M{"_id": callID},
		bson.M{"$set": bson.M{"sdp_offer": sdp, "sdp_answer": ""}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("call %s: %w", callID, domain.ErrCallNotFound)
	}
	return nil
}

// UpdateStatus filters on statuses that rank below the target, so a write
// that would move the shared status backward matches nothing and becomes
// a benign no-op. That substitutes for a lock on the shared document.
func (s *MongoChannel) UpdateStatus(ctx context.Context, callID string, status domain.CallStatus) error {
	lower := lo.Filter(domain.AllStatuses, func(st domain.CallStatus, _ int) bool {
		return st.Before(status)
	})
	set := bson.M{"status": status}
	_, err := s.calls.UpdateOne(ctx,
		bson.M{"_id": callID, "status": bson.M{"$in": lower}},
		bson.M{"$set": set},
	)
	return err
}

func (s *MongoChannel) PublishLocalCandidate(ctx context.Context, c domain.IceCandidate) error {
	_, err := s.candidates.InsertOne(ctx, c)
	return err
}

func (s *MongoChannel) FetchCall(ctx context.Context, callID string) (domain.CallSession, error) {
	var session domain.CallSession
	err := s.calls.FindOne(ctx, bson.M{"_id": callID}).Decode(&session)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.CallSession{}, fmt.Errorf("call %s: %w", callID, domain.ErrCallNotFound)
	}
	if err != nil {
		return domain.CallSession{}, err
	}
	return session, nil
}

func (s *MongoChannel) EndCall(ctx context.Context, callID, by string) error {
	lower := lo.Filter(domain.AllStatuses, func(st domain.CallStatus, _ int) bool {
		return st.Before(domain.StatusEnded)
	})
	_, err := s.calls.UpdateOne(ctx,
		bson.M{"_id": callID, "status": bson.M{"$in": lower}},
		bson.M{"$set": bson.M{"status": domain.StatusEnded, "ended_by": by}},
	)
	return err
}

func (s *MongoChannel) RejectCall(ctx context.Context, callID string) error {
	return s.UpdateStatus(ctx, callID, domain.StatusRejected)
}

// ObserveIncomingCalls streams ringing calls addressed to userID: the
// currently ringing ones first, then live inserts. Delivery is
// at-least-once across the seam, the consumer deduplicates by call id.
func (s *MongoChannel) ObserveIncomingCalls(ctx context.Context, userID string) (<-chan domain.CallSession, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"operationType":            "insert",
		"fullDocument.receiver_id": userID,
		"fullDocument.status":      domain.StatusRinging,
	}}}}
	cs, err := s.calls.Watch(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.CallSession, 16)
	go func() {
		defer close(out)
		defer cs.Close(context.WithoutCancel(ctx))

		cur, err := s.calls.Find(ctx, bson.M{"receiver_id": userID, "status": domain.StatusRinging})
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.store").Msg("ringing backlog query failed")
		} else {
			var backlog []domain.CallSession
			if err := cur.All(ctx, &backlog); err != nil {
				log.Error().Err(err).Str("module", "adapters.store").Msg("ringing backlog decode failed")
			}
			for _, c := range backlog {
				deliverCall(ctx, out, c)
			}
		}

		for cs.Next(ctx) {
			var ev struct {
				FullDocument domain.CallSession `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				log.Warn().Err(err).Str("module", "adapters.store").Msg("incoming call event decode failed")
				continue
			}
			deliverCall(ctx, out, ev.FullDocument)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("module", "adapters.store").Msg("incoming call stream broke")
		}
	}()
	return out, nil
}

// ObserveCall streams full snapshots of one call document on every write.
func (s *MongoChannel) ObserveCall(ctx context.Context, callID string) (<-chan domain.CallSession, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"operationType":   bson.M{"$in": bson.A{"update", "replace"}},
		"documentKey._id": callID,
	}}}}
	cs, err := s.calls.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, err
	}

	out := make(chan domain.CallSession, 16)
	go func() {
		defer close(out)
		defer cs.Close(context.WithoutCancel(ctx))
		for cs.Next(ctx) {
			var ev struct {
				FullDocument domain.CallSession `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				log.Warn().Err(err).Str("module", "adapters.store").Msg("call event decode failed")
				continue
			}
			if ev.FullDocument.ID == "" {
				continue
			}
			deliverCall(ctx, out, ev.FullDocument)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("module", "adapters.store").Str("call", callID).Msg("call stream broke")
		}
	}()
	return out, nil
}

// ObserveRemoteCandidates streams candidates for a call written by the
// other party: the backlog first, then live inserts.
func (s *MongoChannel) ObserveRemoteCandidates(ctx context.Context, callID, excludeOwnerID string) (<-chan domain.IceCandidate, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"operationType":         "insert",
		"fullDocument.call_id":  callID,
		"fullDocument.owner_id": bson.M{"$ne": excludeOwnerID},
	}}}}
	cs, err := s.candidates.Watch(ctx, pipeline)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.IceCandidate, 32)
	go func() {
		defer close(out)
		defer cs.Close(context.WithoutCancel(ctx))

		cur, err := s.candidates.Find(ctx, bson.M{"call_id": callID, "owner_id": bson.M{"$ne": excludeOwnerID}})
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.store").Msg("candidate backlog query failed")
		} else {
			var backlog []domain.IceCandidate
			if err := cur.All(ctx, &backlog); err != nil {
				log.Error().Err(err).Str("module", "adapters.store").Msg("candidate backlog decode failed")
			}
			for _, c := range backlog {
				deliverCandidate(ctx, out, c)
			}
		}

		for cs.Next(ctx) {
			var ev struct {
				FullDocument domain.IceCandidate `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				log.Warn().Err(err).Str("module", "adapters.store").Msg("candidate event decode failed")
				continue
			}
			deliverCandidate(ctx, out, ev.FullDocument)
		}
		if err := cs.Err(); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("module", "adapters.store").Str("call", callID).Msg("candidate stream broke")
		}
	}()
	return out, nil
}

func deliverCall(ctx context.Context, out chan<- domain.CallSession, c domain.CallSession) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}

func deliverCandidate(ctx context.Context, out chan<- domain.IceCandidate, c domain.IceCandidate) {
	select {
	case out <- c:
	case <-ctx.Done():
	}
}
