package chat

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"e2e_relay/internal/directory"
	"e2e_relay/internal/model"
)

type (
	MongoRepo struct {
		chats    *mongo.Collection
		messages *mongo.Collection
	}
)

var _ directory.Store = (*MongoRepo)(nil)

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		chats:    db.Collection("chats"),
		messages: db.Collection("messages"),
	}
}

// EnsureIndexes creates the (chat_id, sequence) index used by ListMessages.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "chat_id", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *MongoRepo) GetChat(ctx context.Context, id uint32) (*model.Chat, error) {
	var chat model.Chat
	err := r.chats.FindOne(ctx, bson.M{"_id": id}).Decode(&chat)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, directory.ErrChatNotFound
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *MongoRepo) StoreChat(ctx context.Context, chat *model.Chat) error {
	_, err := r.chats.ReplaceOne(ctx, bson.M{"_id": chat.ID}, chat, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoRepo) AddMember(ctx context.Context, id uint32, userID string) error {
	res, err := r.chats.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$addToSet": bson.M{"members": userID}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return directory.ErrChatNotFound
	}
	return nil
}

func (r *MongoRepo) GetMembers(ctx context.Context, id uint32) ([]string, error) {
	chat, err := r.GetChat(ctx, id)
	if err != nil {
		return nil, err
	}
	return chat.Members, nil
}

func (r *MongoRepo) AppendMessage(ctx context.Context, msg *model.Message) error {
	_, err := r.messages.InsertOne(ctx, msg)
	return err
}

func (r *MongoRepo) ListMessages(ctx context.Context, id uint32, limit int) ([]*model.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cur, err := r.messages.Find(ctx, bson.M{"chat_id": id}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var res []*model.Message
	if err := cur.All(ctx, &res); err != nil {
		return nil, err
	}

	// newest first from the query, oldest first to the caller
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
