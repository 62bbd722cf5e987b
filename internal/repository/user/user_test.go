package user

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"passkey_relay/internal/model"
)

func TestUserRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	pub := append([]byte{0x04}, bytes.Repeat([]byte{0x01}, 64)...)

	mt.Run("found", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		ns := mt.DB.Name() + ".users"
		mt.AddMockResponses(mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "credential_id", Value: []byte("cred")},
			{Key: "public_key", Value: pub},
			{Key: "account", Value: account.Hex()},
		}))

		got, err := repo.GetByPublicKey(context.Background(), pub)
		if err != nil {
			mt.Fatalf("GetByPublicKey: %v", err)
		}
		if got == nil || got.Account != account || !bytes.Equal(got.PublicKey, pub) {
			mt.Fatalf("unexpected identity %+v", got)
		}
	})

	mt.Run("missing", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, mt.DB.Name()+".users", mtest.FirstBatch))

		got, err := repo.GetByPublicKey(context.Background(), pub)
		if err != nil || got != nil {
			mt.Fatalf("expected (nil, nil), got %+v, %v", got, err)
		}
	})

	mt.Run("create", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		err := repo.Create(context.Background(), &model.Identity{CredentialID: []byte("cred"), PublicKey: pub, Account: account})
		if err != nil {
			mt.Fatalf("Create: %v", err)
		}
	})

	mt.Run("duplicate", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		err := repo.Create(context.Background(), &model.Identity{CredentialID: []byte("cred"), PublicKey: pub, Account: account})
		if !errors.Is(err, ErrDuplicateUser) {
			mt.Fatalf("expected ErrDuplicateUser, got %v", err)
		}
	})
}
