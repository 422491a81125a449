package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a MessageStore backed by a MongoDB collection.
// Documents keep the marketplace's message shape (senderId/receiverId/propertyId as ObjectIDs),
// so the REST side of the marketplace can read the same collection.
//
// The mongo.Client is owned by the caller; Close is a no-op.
type MongoStore struct {
	coll  *mongo.Collection
	stamp *stamper
}

type mongoMessage struct {
	ID         string              `bson:"_id"`
	Content    string              `bson:"content"`
	SenderID   primitive.ObjectID  `bson:"senderId"`
	ReceiverID primitive.ObjectID  `bson:"receiverId"`
	PropertyID *primitive.ObjectID `bson:"propertyId,omitempty"`
	Timestamp  time.Time           `bson:"timestamp"`
	Read       bool                `bson:"read"`
}

// NewMongoStore constructs a store over db.<collection> (default collection: "messages").
func NewMongoStore(db *mongo.Database, collection string) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil mongo database")
	}
	collection = strings.TrimSpace(collection)
	if collection == "" {
		collection = "messages"
	}
	return &MongoStore{
		coll: db.Collection(collection),
		// BSON dates keep milliseconds.
		stamp: newStamper(time.Millisecond),
	}, nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

// Ping checks server reachability.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s == nil || s.coll == nil {
		return ErrNilStore
	}
	return s.coll.Database().Client().Ping(ctx, nil)
}

// EnsureIndexes creates the inbox and retention indexes.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if s == nil || s.coll == nil {
		return ErrNilStore
	}
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "receiverId", Value: 1}, {Key: "timestamp", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}
	return nil
}

// Insert stores a message; the id and timestamp are assigned here.
func (s *MongoStore) Insert(ctx context.Context, in NewMessage) (StoredMessage, error) {
	if s == nil || s.coll == nil {
		return StoredMessage{}, ErrNilStore
	}
	if err := in.validate(); err != nil {
		return StoredMessage{}, err
	}

	sender, err := primitive.ObjectIDFromHex(in.SenderID)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("%w: sender id", ErrInvalidMessage)
	}
	receiver, err := primitive.ObjectIDFromHex(in.ReceiverID)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("%w: receiver id", ErrInvalidMessage)
	}
	var property *primitive.ObjectID
	if in.ContextID != nil {
		oid, err := primitive.ObjectIDFromHex(*in.ContextID)
		if err != nil {
			return StoredMessage{}, fmt.Errorf("%w: context id", ErrInvalidMessage)
		}
		property = &oid
	}

	id, ts, err := s.stamp.next()
	if err != nil {
		return StoredMessage{}, err
	}

	doc := mongoMessage{
		ID:         id,
		Content:    in.Content,
		SenderID:   sender,
		ReceiverID: receiver,
		PropertyID: property,
		Timestamp:  ts,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return StoredMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return doc.toStored(), nil
}

// FindByReceiver returns the receiver's full inbox ordered by timestamp ASC.
func (s *MongoStore) FindByReceiver(ctx context.Context, userID string) ([]StoredMessage, error) {
	if s == nil || s.coll == nil {
		return nil, ErrNilStore
	}
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, nil
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"receiverId": oid}, opts)
	if err != nil {
		return nil, err
	}
	return decodeMongoMessages(ctx, cur)
}

// DeleteOlderThan removes messages with timestamp before cutoff.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.coll == nil {
		return 0, ErrNilStore
	}
	res, err := s.coll.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return res.DeletedCount, nil
}

// MarkRead marks id as read when readerID is its receiver.
func (s *MongoStore) MarkRead(ctx context.Context, id, readerID string) (bool, error) {
	if s == nil || s.coll == nil {
		return false, ErrNilStore
	}
	reader, err := primitive.ObjectIDFromHex(readerID)
	if err != nil {
		return false, nil
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id, "receiverId": reader},
		bson.M{"$set": bson.M{"read": true}},
	)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

// FindConversation returns the latest messages between a and b, oldest first.
func (s *MongoStore) FindConversation(ctx context.Context, a, b string, limit int) ([]StoredMessage, error) {
	if s == nil || s.coll == nil {
		return nil, ErrNilStore
	}
	oa, errA := primitive.ObjectIDFromHex(a)
	ob, errB := primitive.ObjectIDFromHex(b)
	if errA != nil || errB != nil {
		return nil, nil
	}
	limit = clampConversationLimit(limit)

	filter := bson.M{"$or": bson.A{
		bson.M{"senderId": oa, "receiverId": ob},
		bson.M{"senderId": ob, "receiverId": oa},
	}}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	out, err := decodeMongoMessages(ctx, cur)
	if err != nil {
		return nil, err
	}
	reverseMsgs(out)
	return out, nil
}

func decodeMongoMessages(ctx context.Context, cur *mongo.Cursor) ([]StoredMessage, error) {
	defer func() { _ = cur.Close(ctx) }()

	var out []StoredMessage
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toStored())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d mongoMessage) toStored() StoredMessage {
	m := StoredMessage{
		ID:         d.ID,
		SenderID:   d.SenderID.Hex(),
		ReceiverID: d.ReceiverID.Hex(),
		Content:    d.Content,
		Timestamp:  d.Timestamp.UTC(),
		Read:       d.Read,
	}
	if d.PropertyID != nil {
		p := d.PropertyID.Hex()
		m.ContextID = &p
	}
	return m
}
