package user

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"passkey_relay/internal/model"
)

var ErrDuplicateUser = errors.New("user with this public key already exists")

type (
	UserRepo struct {
		collection *mongo.Collection
	}

	// userDocument is the stored shape; model.Identity keeps its JSON tags for the wire.
	userDocument struct {
		ID           primitive.ObjectID `bson:"_id,omitempty"`
		CredentialID []byte             `bson:"credential_id"`
		PublicKey    []byte             `bson:"public_key"`
		Account      string             `bson:"account"`
		CreatedAt    time.Time          `bson:"created_at"`
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

// EnsureIndexes makes public_key unique so one passkey maps to one account.
func (r *UserRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "public_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (r *UserRepo) GetByPublicKey(ctx context.Context, publicKey []byte) (*model.Identity, error) {
	filter := bson.M{
		"public_key": publicKey,
	}

	var doc userDocument
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return doc.identity(), nil
}

func (r *UserRepo) Create(ctx context.Context, identity *model.Identity) error {
	doc := userDocument{
		CredentialID: identity.CredentialID,
		PublicKey:    identity.PublicKey,
		Account:      identity.Account.Hex(),
		CreatedAt:    time.Now().UTC(),
	}

	_, err := r.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateUser
	}
	return err
}

func (d *userDocument) identity() *model.Identity {
	return &model.Identity{
		CredentialID: d.CredentialID,
		PublicKey:    d.PublicKey,
		Account:      common.HexToAddress(d.Account),
	}
}
