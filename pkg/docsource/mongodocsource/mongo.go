// MongoDB as the snapshotted database. Documents travel as canonical Extended JSON, so BSON
// types (ObjectId, dates, 64-bit ints, binary, ..) survive the round trip.
package mongodocsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/function61/docsnap/pkg/docsource"
	"github.com/function61/docsnap/pkg/snaptypes"
	"github.com/function61/gokit/logex"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
)

const defaultBatchSize = 500

type mongoSource struct {
	client    *mongo.Client
	db        *mongo.Database
	batchSize int32
	logl      *logex.Leveled
}

var _ docsource.Source = (*mongoSource)(nil)

// "database" may be empty if the URI names one ("mongodb://host/mydb")
func Connect(ctx context.Context, uri string, database string, logger *log.Logger) (*mongoSource, error) {
	if database == "" {
		var err error
		database, err = databaseFromURI(uri)
		if err != nil {
			return nil, err
		}
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb connect: %w", classifyError(err))
	}

	// Connect() is lazy, so find out about bad addresses/credentials now
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb ping: %w", classifyError(err))
	}

	return &mongoSource{
		client:    client,
		db:        client.Database(database),
		batchSize: defaultBatchSize,
		logl:      logex.Levels(logex.NonNil(logger)),
	}, nil
}

func (m *mongoSource) Kind() string {
	return "mongodb"
}

func (m *mongoSource) ListCollections(ctx context.Context) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("ListCollectionNames: %w", classifyError(err))
	}

	userCollections := []string{}
	for _, name := range names {
		if isSystemCollection(name) {
			continue
		}

		userCollections = append(userCollections, name)
	}

	return userCollections, nil
}

func (m *mongoSource) StreamDocuments(ctx context.Context, collection string) (docsource.Cursor, error) {
	cur, err := m.db.Collection(collection).Find(
		ctx,
		bson.D{},
		options.Find().SetBatchSize(m.batchSize))
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, classifyError(err))
	}

	return &cursor{cur}, nil
}

func (m *mongoSource) CreateCollection(ctx context.Context, collection string) error {
	if err := m.db.CreateCollection(ctx, collection); err != nil {
		return fmt.Errorf("createCollection %s: %w", collection, classifyError(err))
	}

	return nil
}

func (m *mongoSource) DropCollection(ctx context.Context, collection string) error {
	// drop() itself is silent about missing collections
	existing, err := m.db.ListCollectionNames(ctx, bson.D{{Key: "name", Value: collection}})
	if err != nil {
		return fmt.Errorf("drop %s: %w", collection, classifyError(err))
	}
	if len(existing) == 0 {
		return snaptypes.Wrap(snaptypes.ErrNotFound, fmt.Errorf("collection %s", collection))
	}

	if err := m.db.Collection(collection).Drop(ctx); err != nil {
		return fmt.Errorf("drop %s: %w", collection, classifyError(err))
	}

	m.logl.Debug.Printf("dropped %s", collection)

	return nil
}

// ordered insert: stops at first failing document
func (m *mongoSource) InsertBatch(ctx context.Context, collection string, docs []snaptypes.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	decoded := make([]interface{}, 0, len(docs))
	for idx, doc := range docs {
		bsonDoc, err := fromExtJSON(doc)
		if err != nil {
			return 0, snaptypes.Wrap(snaptypes.ErrValidation, fmt.Errorf("document #%d: %w", idx+1, err))
		}

		decoded = append(decoded, bsonDoc)
	}

	if _, err := m.db.Collection(collection).InsertMany(
		ctx,
		decoded,
		options.InsertMany().SetOrdered(true),
	); err != nil {
		return insertedBeforeFailure(err, len(docs)), fmt.Errorf("insertMany %s: %w", collection, classifyError(err))
	}

	return len(docs), nil
}

func (m *mongoSource) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type cursor struct {
	cur *mongo.Cursor
}

func (c *cursor) Next(ctx context.Context) (snaptypes.Document, error) {
	if !c.cur.Next(ctx) {
		if err := c.cur.Err(); err != nil {
			return nil, classifyError(err)
		}

		return nil, io.EOF
	}

	return toExtJSON(c.cur.Current)
}

func (c *cursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func toExtJSON(raw bson.Raw) (snaptypes.Document, error) {
	// canonical keeps int32 vs int64 vs double apart
	extJSON, err := bson.MarshalExtJSON(raw, true, false)
	if err != nil {
		return nil, err
	}

	return snaptypes.Document(extJSON), nil
}

// accepts canonical and relaxed Extended JSON, and thus plain JSON as well
func fromExtJSON(doc snaptypes.Document) (bson.D, error) {
	decoded := bson.D{}
	if err := bson.UnmarshalExtJSON(doc, false, &decoded); err != nil {
		return nil, err
	}

	return decoded, nil
}

// for ordered inserts, documents before the first failing one made it
func insertedBeforeFailure(err error, attempted int) int {
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && len(bulkErr.WriteErrors) > 0 {
		firstFailed := attempted
		for _, writeErr := range bulkErr.WriteErrors {
			if writeErr.Index < firstFailed {
				firstFailed = writeErr.Index
			}
		}

		return firstFailed
	}

	return 0
}

func isSystemCollection(name string) bool {
	return strings.HasPrefix(name, "system.")
}

func databaseFromURI(uri string) (string, error) {
	cs, err := connstring.ParseAndValidate(uri)
	if err != nil {
		return "", fmt.Errorf("mongodb URI: %w", err)
	}

	if cs.Database == "" {
		return "", errors.New("mongodb URI doesn't name a database and none was given separately")
	}

	return cs.Database, nil
}
