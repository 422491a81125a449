package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// UserDirectory answers whether a handshake userId references a known account.
// It does not authenticate; identity is asserted by the caller.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// AllowAllDirectory accepts every syntactically valid id. Used when no account source is configured.
type AllowAllDirectory struct{}

// Exists reports true for any valid id.
func (AllowAllDirectory) Exists(_ context.Context, userID string) (bool, error) {
	return ValidID(userID), nil
}

// PostgresDirectory checks accounts via <schema>.users.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by the directory (default: "propchat").
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a directory backed by PostgreSQL.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{
		pool:   pool,
		schema: "propchat",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return d, nil
}

// Exists checks if userID has a row in users.
func (d *PostgresDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	if d == nil || d.pool == nil {
		return false, errors.New("realtime: nil directory")
	}
	userID = strings.TrimSpace(userID)
	if !ValidID(userID) {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var one int
	err := d.pool.QueryRow(ctx,
		`SELECT 1 FROM `+pgIdent(d.schema, "users")+` WHERE id = $1`,
		userID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MongoDirectory checks accounts across the marketplace's account collections.
// Buyers/sellers, admins and lawyers live in separate collections.
type MongoDirectory struct {
	db          *mongo.Database
	collections []string
}

// NewMongoDirectory constructs a directory over db. With no collections given it
// checks "users", "admins" and "lawyers".
func NewMongoDirectory(db *mongo.Database, collections ...string) (*MongoDirectory, error) {
	if db == nil {
		return nil, errors.New("realtime: nil mongo database")
	}
	if len(collections) == 0 {
		collections = []string{"users", "admins", "lawyers"}
	}
	return &MongoDirectory{db: db, collections: collections}, nil
}

// Exists reports whether any account collection holds _id == userID.
func (d *MongoDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	if d == nil || d.db == nil {
		return false, errors.New("realtime: nil directory")
	}
	oid, err := primitive.ObjectIDFromHex(strings.TrimSpace(userID))
	if err != nil {
		return false, nil
	}

	opts := options.FindOne().SetProjection(bson.M{"_id": 1})
	for _, name := range d.collections {
		err := d.db.Collection(name).FindOne(ctx, bson.M{"_id": oid}, opts).Err()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return false, err
		}
	}
	return false, nil
}
