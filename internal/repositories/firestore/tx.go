package firestore

import (
	"context"

	"cloud.google.com/go/firestore"
)

type txContextKey struct{}

// withTx stores an active Firestore transaction on the context so repository
// writes issued inside Registry.RunInTx join the same transaction.
func withTx(ctx context.Context, tx *firestore.Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

func txFrom(ctx context.Context) (*firestore.Transaction, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*firestore.Transaction)
	return tx, ok
}
