// Package pgdb is a protodb.DB backed by a PostgreSQL database.
package pgdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/companyzero/protoengine/encoded"
	"github.com/companyzero/protoengine/obvidentity"
	"github.com/companyzero/protoengine/protocol"
	"github.com/companyzero/protoengine/protodb"
	"github.com/decred/slog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

const (
	// DefaultHost is the default host that serves the backing database.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the default port for the host that serves the backing
	// database.
	DefaultPort = "5432"

	// DefaultDBName is the default name for the backing database.
	DefaultDBName = "protoengine"

	// DefaultRoleName is the default name for the role used to access the
	// database.
	DefaultRoleName = "protoengine"
)

// currentDBVersion indicates the current database version.
const currentDBVersion = 1

// databaseInfo houses information about the state of the database such as its
// version and the time it was created.
type databaseInfo struct {
	version uint32
	created time.Time
	updated time.Time
}

// DB is the postgres protocol store.
type DB struct {
	dbName   string
	roleName string
	log      slog.Logger

	// initMtx protects concurrent access during the database
	// initialization and also protects dbInfo.
	initMtx sync.Mutex
	dbInfo  *databaseInfo

	db *pgxpool.Pool
}

var _ protodb.DB = (*DB)(nil)

type sqlTxHandle struct {
	ctx      context.Context
	tx       pgx.Tx
	writable bool
}

func (tx *sqlTxHandle) Context() context.Context { return tx.ctx }
func (tx *sqlTxHandle) Writable() bool           { return tx.writable }

func pgxOf(tx protocol.ReadTx) (context.Context, pgx.Tx) {
	h, ok := tx.(*sqlTxHandle)
	if !ok {
		panic(fmt.Sprintf("pgdb: foreign transaction %T", tx))
	}
	return h.ctx, h.tx
}

func sqlTxWithOptions(ctx context.Context, conn *pgx.Conn, txOptions pgx.TxOptions, f func(tx pgx.Tx) error) (err error) {
	tx, err := conn.BeginTx(ctx, txOptions)
	if err != nil {
		str := fmt.Sprintf("unable to start transaction: %v", err)
		return contextError(ErrBeginTx, str, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
		if err != nil {
			str := fmt.Sprintf("unable to commit transaction: %v", err)
			err = contextError(ErrCommitTx, str, err)
		}
	}()
	return f(tx)
}

// sqlTx runs the provided function inside of SQL transaction and will either
// rollback the transaction and return the error when a non-nil error is
// returned from the provided function or commit the transaction when a nil
// error is returned the provided function.
func (db *DB) sqlTx(ctx context.Context, txOptions pgx.TxOptions, f func(tx pgx.Tx) error) error {
	conn, err := db.db.Acquire(ctx)
	if err != nil {
		return contextError(ErrConnFailed, err.Error(), err)
	}
	defer conn.Release()
	return sqlTxWithOptions(ctx, conn.Conn(), txOptions, f)
}

// View runs f in a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx protocol.ReadTx) error) error {
	opts := pgx.TxOptions{AccessMode: pgx.ReadOnly}
	return db.sqlTx(ctx, opts, func(tx pgx.Tx) error {
		return f(&sqlTxHandle{ctx: ctx, tx: tx})
	})
}

// maxSerializationRetries is the number of times Update reruns f after a
// serialization failure or a deadlock.
const maxSerializationRetries = 3

// Update runs f in a serializable read-write transaction. f is rerun when the
// transaction fails to serialize with a concurrent one.
func (db *DB) Update(ctx context.Context, f func(tx protocol.ReadWriteTx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	for attempt := 0; ; attempt++ {
		err := db.sqlTx(ctx, opts, func(tx pgx.Tx) error {
			return f(&sqlTxHandle{ctx: ctx, tx: tx, writable: true})
		})
		if attempt < maxSerializationRetries && isRetryable(err) {
			db.log.Debugf("Retrying transaction after %v", err)
			continue
		}
		return err
	}
}

// checkRoleExists returns an error if the given role does not exist.
func checkRoleExists(ctx context.Context, tx pgx.Tx, roleName string) error {
	const query = "SELECT COUNT(*) FROM pg_roles WHERE rolname = $1;"
	var count uint64
	row := tx.QueryRow(ctx, query, roleName)
	if err := row.Scan(&count); err != nil {
		str := fmt.Sprintf("unable to query role: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	if count != 1 {
		help := fmt.Sprintf("SQL to resolve: CREATE ROLE %s WITH LOGIN "+
			"NOSUPERUSER NOCREATEDB NOCREATEROLE NOINHERIT NOREPLICATION "+
			"CONNECTION LIMIT -1 PASSWORD 'xxxxxx';\nNOTE: Creating a role "+
			"typically requires admin permissions", pq.QuoteIdentifier(roleName))
		str := fmt.Sprintf("invalid db config: role %q does not exist -- %s",
			roleName, help)
		return contextError(ErrMissingRole, str, nil)
	}
	return nil
}

// checkDatabaseExists returns an error if the given database does not exist.
func (db *DB) checkDatabaseExists(ctx context.Context, tx pgx.Tx) error {
	const query = "SELECT COUNT(*) FROM pg_database WHERE datname = $1;"
	var count uint64
	row := tx.QueryRow(ctx, query, db.dbName)
	if err := row.Scan(&count); err != nil {
		str := fmt.Sprintf("unable to query db: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	if count != 1 {
		help := fmt.Sprintf("SQL to resolve: CREATE DATABASE %s OWNER %s;"+
			"\nNOTE: Creating a database typically requires admin permissions",
			pq.QuoteIdentifier(db.dbName), pq.QuoteIdentifier(db.roleName))
		str := fmt.Sprintf("invalid db config: database %q does not exist -- %s",
			db.dbName, help)
		return contextError(ErrMissingDatabase, str, nil)
	}
	return nil
}

// maybeLoadDatabaseInfo loads the version info of the database. It returns
// nil for both the database info and the error when the information does not
// exist yet.
func maybeLoadDatabaseInfo(ctx context.Context, tx pgx.Tx) (*databaseInfo, error) {
	var dbInfo databaseInfo
	const query = "SELECT version, created, updated FROM db_info WHERE id = 1;"
	row := tx.QueryRow(ctx, query)
	err := row.Scan(&dbInfo.version, &dbInfo.created, &dbInfo.updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		str := fmt.Sprintf("unable to query database info: %v", err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	return &dbInfo, nil
}

// updateDatabaseInfo either inserts or updates the only row allowed to be in
// the database info table.
func updateDatabaseInfo(ctx context.Context, tx pgx.Tx, dbInfo *databaseInfo) error {
	dbInfo.updated = time.Now().UTC()

	const query = "INSERT INTO db_info (version, created, updated) VALUES " +
		"($1, $2, $3) " +
		"ON CONFLICT (id) " +
		"DO UPDATE SET (version, updated) = ($1, $3);"
	_, err := tx.Exec(ctx, query, dbInfo.version, dbInfo.created, dbInfo.updated)
	if err != nil {
		str := fmt.Sprintf("unable to insert database info: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

var createTablesQueries = []string{
	"CREATE TABLE IF NOT EXISTS db_info (" +
		"	id INTEGER PRIMARY KEY NOT NULL DEFAULT (1) CHECK(id = 1)," +
		"	version INTEGER NOT NULL CHECK (version > 0)," +
		"	created TIMESTAMP NOT NULL DEFAULT (NOW())," +
		"	updated TIMESTAMP NOT NULL DEFAULT (NOW())" +
		");",

	"CREATE TABLE IF NOT EXISTS protocol_instances (" +
		"	owned BYTEA NOT NULL," +
		"	protocol INTEGER NOT NULL," +
		"	uid BYTEA NOT NULL," +
		"	state_id INTEGER NOT NULL," +
		"	state BYTEA NOT NULL," +
		"	final BOOLEAN NOT NULL," +
		"	updated BIGINT NOT NULL," +
		"	PRIMARY KEY (owned, protocol, uid)" +
		");",

	"CREATE TABLE IF NOT EXISTS received_messages (" +
		"	id BYTEA PRIMARY KEY NOT NULL," +
		"	owned BYTEA NOT NULL," +
		"	protocol INTEGER NOT NULL," +
		"	instance_uid BYTEA NOT NULL," +
		"	message_id INTEGER NOT NULL," +
		"	inputs BYTEA NOT NULL," +
		"	response BYTEA," +
		"	channel BYTEA NOT NULL," +
		"	received BIGINT NOT NULL" +
		");",

	"CREATE INDEX IF NOT EXISTS received_messages_instance_idx ON " +
		"received_messages (owned, protocol, instance_uid, received);",

	"CREATE TABLE IF NOT EXISTS mutual_scan_signatures (" +
		"	owned BYTEA NOT NULL," +
		"	signature BYTEA NOT NULL," +
		"	PRIMARY KEY (owned, signature)" +
		");",
}

// initDB initializes the database, creating the tables when needed.
//
// This function MUST be called with the init mutex held (for writes).
func (db *DB) initDB(ctx context.Context, tx pgx.Tx) error {
	// Ensure exclusive access during initialization.
	const dbInfoAdvisoryLockID = 1001
	const query = "SELECT pg_advisory_xact_lock(%d);"
	_, err := tx.Exec(ctx, fmt.Sprintf(query, dbInfoAdvisoryLockID))
	if err != nil {
		str := fmt.Sprintf("unable to obtain init lock: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}

	for _, q := range createTablesQueries {
		if _, err := tx.Exec(ctx, q); err != nil {
			str := fmt.Sprintf("unable to create tables: %v", err)
			return contextError(ErrQueryFailed, str, err)
		}
	}

	db.dbInfo, err = maybeLoadDatabaseInfo(ctx, tx)
	if err != nil {
		return err
	}
	if db.dbInfo == nil {
		db.dbInfo = &databaseInfo{
			version: currentDBVersion,
			created: time.Now().UTC(),
		}
		if err := updateDatabaseInfo(ctx, tx, db.dbInfo); err != nil {
			return err
		}
	}

	if db.dbInfo.version > currentDBVersion {
		str := fmt.Sprintf("the current database is no longer compatible with "+
			"this version of the software (%d > %d)", db.dbInfo.version,
			currentDBVersion)
		return contextError(ErrOldDatabase, str, nil)
	}
	return nil
}

func (db *DB) Instance(tx protocol.ReadTx, key protocol.InstanceKey) (*protocol.Instance, error) {
	ctx, ptx := pgxOf(tx)
	const query = "SELECT state_id, state, final, updated FROM protocol_instances " +
		"WHERE owned = $1 AND protocol = $2 AND uid = $3;"
	inst := &protocol.Instance{Owned: key.Owned, Protocol: key.Protocol, UID: key.UID}
	var stateID int
	var state []byte
	var updated int64
	err := ptx.QueryRow(ctx, query, key.Owned.Bytes(), int(key.Protocol), key.UID[:]).
		Scan(&stateID, &state, &inst.Final, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, protodb.ErrNotFound
	}
	if err != nil {
		str := fmt.Sprintf("unable to fetch instance %s: %v", key, err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	inst.StateID = protocol.StateID(stateID)
	inst.EncodedState = state
	inst.Updated = time.Unix(0, updated)
	return inst, nil
}

func (db *DB) SaveInstance(tx protocol.ReadWriteTx, inst *protocol.Instance) error {
	ctx, ptx := pgxOf(tx)
	const query = "INSERT INTO protocol_instances " +
		"(owned, protocol, uid, state_id, state, final, updated) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7) " +
		"ON CONFLICT (owned, protocol, uid) DO UPDATE SET " +
		"(state_id, state, final, updated) = ($4, $5, $6, $7);"
	_, err := ptx.Exec(ctx, query, inst.Owned.Bytes(), int(inst.Protocol),
		inst.UID[:], int(inst.StateID), []byte(inst.EncodedState), inst.Final,
		inst.Updated.UnixNano())
	if err != nil {
		str := fmt.Sprintf("unable to save instance %s: %v", inst.Key(), err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

func (db *DB) DeleteInstance(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	ctx, ptx := pgxOf(tx)
	const query = "DELETE FROM protocol_instances " +
		"WHERE owned = $1 AND protocol = $2 AND uid = $3;"
	_, err := ptx.Exec(ctx, query, key.Owned.Bytes(), int(key.Protocol), key.UID[:])
	if err != nil {
		str := fmt.Sprintf("unable to delete instance %s: %v", key, err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

func (db *DB) ListInstances(tx protocol.ReadTx) ([]*protocol.Instance, error) {
	ctx, ptx := pgxOf(tx)
	const query = "SELECT owned, protocol, uid, state_id, state, final, updated " +
		"FROM protocol_instances ORDER BY owned, protocol, uid;"
	rows, err := ptx.Query(ctx, query)
	if err != nil {
		str := fmt.Sprintf("unable to list instances: %v", err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	defer rows.Close()

	var res []*protocol.Instance
	for rows.Next() {
		var owned, uid, state []byte
		var pid, stateID int
		var final bool
		var updated int64
		if err := rows.Scan(&owned, &pid, &uid, &stateID, &state, &final, &updated); err != nil {
			str := fmt.Sprintf("unable to scan instance: %v", err)
			return nil, contextError(ErrQueryFailed, str, err)
		}
		inst := &protocol.Instance{
			Protocol:     protocol.ID(pid),
			StateID:      protocol.StateID(stateID),
			EncodedState: state,
			Final:        final,
			Updated:      time.Unix(0, updated),
		}
		if err := inst.Owned.FromBytes(owned); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		if err := inst.UID.FromBytes(uid); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		res = append(res, inst)
	}
	if err := rows.Err(); err != nil {
		str := fmt.Sprintf("unable to list instances: %v", err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	return res, nil
}

func (db *DB) StoreReceivedMessage(tx protocol.ReadWriteTx, rm *protocol.ReceivedMessage) error {
	ctx, ptx := pgxOf(tx)
	inputs, err := encoded.Encode(rm.Inputs)
	if err != nil {
		return err
	}
	channel, err := encoded.Encode(rm.Channel)
	if err != nil {
		return err
	}
	var response []byte
	if !rm.EncodedResponse.IsEmpty() {
		response = rm.EncodedResponse
	}

	const query = "INSERT INTO received_messages " +
		"(id, owned, protocol, instance_uid, message_id, inputs, response, channel, received) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);"
	_, err = ptx.Exec(ctx, query, rm.ID[:], rm.Owned.Bytes(), int(rm.Protocol),
		rm.InstanceUID[:], int(rm.MessageID), []byte(inputs), response,
		[]byte(channel), rm.Received.UnixNano())
	if isUniqueViolation(err) {
		return fmt.Errorf("message %s: %w", rm.ID, protodb.ErrAlreadyExists)
	}
	if err != nil {
		str := fmt.Sprintf("unable to store message %s: %v", rm.ID, err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

func (db *DB) ReceivedMessages(tx protocol.ReadTx, key protocol.InstanceKey) ([]*protocol.ReceivedMessage, error) {
	ctx, ptx := pgxOf(tx)
	const query = "SELECT id, message_id, inputs, response, channel, received " +
		"FROM received_messages " +
		"WHERE owned = $1 AND protocol = $2 AND instance_uid = $3 " +
		"ORDER BY received, id;"
	rows, err := ptx.Query(ctx, query, key.Owned.Bytes(), int(key.Protocol), key.UID[:])
	if err != nil {
		str := fmt.Sprintf("unable to list messages of %s: %v", key, err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	defer rows.Close()

	var res []*protocol.ReceivedMessage
	for rows.Next() {
		var id, inputs, response, channel []byte
		var mid int
		var received int64
		if err := rows.Scan(&id, &mid, &inputs, &response, &channel, &received); err != nil {
			str := fmt.Sprintf("unable to scan message: %v", err)
			return nil, contextError(ErrQueryFailed, str, err)
		}
		rm := &protocol.ReceivedMessage{
			Owned:       key.Owned,
			Protocol:    key.Protocol,
			InstanceUID: key.UID,
			MessageID:   protocol.MessageID(mid),
			Received:    time.Unix(0, received),
		}
		if len(response) > 0 {
			rm.EncodedResponse = response
		}
		if err := rm.ID.FromBytes(id); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		if err := encoded.Value(inputs).Decode(&rm.Inputs); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		if err := encoded.Value(channel).Decode(&rm.Channel); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		res = append(res, rm)
	}
	if err := rows.Err(); err != nil {
		str := fmt.Sprintf("unable to list messages of %s: %v", key, err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	return res, nil
}

func (db *DB) DeleteReceivedMessage(tx protocol.ReadWriteTx, id obvidentity.UID) error {
	ctx, ptx := pgxOf(tx)
	const query = "DELETE FROM received_messages WHERE id = $1;"
	if _, err := ptx.Exec(ctx, query, id[:]); err != nil {
		str := fmt.Sprintf("unable to delete message %s: %v", id, err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

func (db *DB) DeleteReceivedMessages(tx protocol.ReadWriteTx, key protocol.InstanceKey) error {
	ctx, ptx := pgxOf(tx)
	const query = "DELETE FROM received_messages " +
		"WHERE owned = $1 AND protocol = $2 AND instance_uid = $3;"
	_, err := ptx.Exec(ctx, query, key.Owned.Bytes(), int(key.Protocol), key.UID[:])
	if err != nil {
		str := fmt.Sprintf("unable to delete messages of %s: %v", key, err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

func (db *DB) PendingInstances(tx protocol.ReadTx) ([]protocol.InstanceKey, error) {
	ctx, ptx := pgxOf(tx)
	const query = "SELECT DISTINCT owned, protocol, instance_uid " +
		"FROM received_messages ORDER BY owned, protocol, instance_uid;"
	rows, err := ptx.Query(ctx, query)
	if err != nil {
		str := fmt.Sprintf("unable to list pending instances: %v", err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	defer rows.Close()

	var res []protocol.InstanceKey
	for rows.Next() {
		var owned, uid []byte
		var pid int
		if err := rows.Scan(&owned, &pid, &uid); err != nil {
			str := fmt.Sprintf("unable to scan pending instance: %v", err)
			return nil, contextError(ErrQueryFailed, str, err)
		}
		key := protocol.InstanceKey{Protocol: protocol.ID(pid)}
		if err := key.Owned.FromBytes(owned); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		if err := key.UID.FromBytes(uid); err != nil {
			return nil, contextError(ErrCorruptRow, err.Error(), err)
		}
		res = append(res, key)
	}
	if err := rows.Err(); err != nil {
		str := fmt.Sprintf("unable to list pending instances: %v", err)
		return nil, contextError(ErrQueryFailed, str, err)
	}
	return res, nil
}

func (db *DB) HasMutualScanSignature(tx protocol.ReadTx, owned obvidentity.Identity, signature []byte) (bool, error) {
	ctx, ptx := pgxOf(tx)
	const query = "SELECT COUNT(*) FROM mutual_scan_signatures " +
		"WHERE owned = $1 AND signature = $2;"
	var count uint64
	if err := ptx.QueryRow(ctx, query, owned.Bytes(), signature).Scan(&count); err != nil {
		str := fmt.Sprintf("unable to query signature: %v", err)
		return false, contextError(ErrQueryFailed, str, err)
	}
	return count > 0, nil
}

func (db *DB) StoreMutualScanSignature(tx protocol.ReadWriteTx, owned obvidentity.Identity, signature []byte) error {
	ctx, ptx := pgxOf(tx)
	const query = "INSERT INTO mutual_scan_signatures (owned, signature) " +
		"VALUES ($1, $2) ON CONFLICT DO NOTHING;"
	if _, err := ptx.Exec(ctx, query, owned.Bytes(), signature); err != nil {
		str := fmt.Sprintf("unable to store signature: %v", err)
		return contextError(ErrQueryFailed, str, err)
	}
	return nil
}

// truncate removes every row of the protocol tables.
func (db *DB) truncate(ctx context.Context) error {
	const query = "TRUNCATE protocol_instances, received_messages, mutual_scan_signatures;"
	_, err := db.db.Exec(ctx, query)
	return err
}

// Close closes the backend and prevents new queries from starting.  It then
// waits for all queries that have started processing on the server to finish.
func (db *DB) Close() {
	db.db.Close()
}

// options houses the configurable values when creating a backend.
type options struct {
	host       string
	port       string
	dbName     string
	roleName   string
	passphrase string
	sslMode    string
	serverCA   string
	log        slog.Logger
}

// Option represents a modification to the configuration parameters used by
// Open.
type Option func(*options)

// WithHost overrides the default host for the host that serves the backing
// database with a custom value.
//
// The host may be an IP address for TCP connection, or an absolute path to a
// UNIX domain socket.  In the case UNIX sockets are used, the port should also
// be set to an empty string via WithPort.
func WithHost(host string) Option {
	return func(o *options) {
		o.host = host
	}
}

// WithPort overrides the default port for the host that serves the backing
// database with a custom value.
func WithPort(port string) Option {
	return func(o *options) {
		o.port = port
	}
}

// WithDBName overrides the default name for the backing database with a custom
// value.
func WithDBName(dbName string) Option {
	return func(o *options) {
		o.dbName = dbName
	}
}

// WithRole overrides the default role name that is used to access the database
// with a custom value.
func WithRole(roleName string) Option {
	return func(o *options) {
		o.roleName = roleName
	}
}

// WithPassphrase overrides the default passphrase that is used to access the
// database with a custom value.
func WithPassphrase(passphrase string) Option {
	return func(o *options) {
		o.passphrase = passphrase
	}
}

// WithTLS connects to the backing database with TLS and verifies that the
// certificate presented by the server was signed by the provided CA.
func WithTLS(serverCA string) Option {
	return func(o *options) {
		o.sslMode = "verify-full"
		o.serverCA = serverCA
	}
}

// WithLogger sets the logger of the backend.
func WithLogger(log slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// Open opens a connection to a database, creates the protocol tables as
// needed and returns a backend instance that is safe for concurrent use.
//
// Callers are responsible for calling Close on the returned instance when
// finished using it to ensure a clean shutdown.
func Open(ctx context.Context, opts ...Option) (*DB, error) {
	o := options{
		host:       DefaultHost,
		port:       DefaultPort,
		dbName:     DefaultDBName,
		roleName:   DefaultRoleName,
		passphrase: DefaultRoleName, // Same as the role name.
		sslMode:    "disable",
		log:        slog.Disabled,
	}
	for _, f := range opts {
		f(&o)
	}

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=%s "+
		"application_name=protoengine target_session_attrs=read-write",
		o.host, o.roleName, o.passphrase, o.dbName, o.sslMode)
	if !strings.HasPrefix(o.host, "/") {
		connStr += fmt.Sprintf(" port=%s", o.port)
	}
	if o.sslMode != "disable" && o.serverCA != "" {
		connStr += fmt.Sprintf(" sslrootcert='%s'", o.serverCA)
	}

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		str := fmt.Sprintf("failed to create connection config: %v", err)
		return nil, contextError(ErrConnFailed, str, err)
	}

	db := &DB{
		dbName:   o.dbName,
		roleName: o.roleName,
		log:      o.log,
	}

	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := conn.Ping(ctx); err != nil {
			str := fmt.Sprintf("unable to communicate with database: %v", err)
			return contextError(ErrConnFailed, str, err)
		}

		db.initMtx.Lock()
		defer db.initMtx.Unlock()
		return sqlTxWithOptions(ctx, conn, pgx.TxOptions{}, func(tx pgx.Tx) error {
			if err := checkRoleExists(ctx, tx, db.roleName); err != nil {
				return err
			}
			if err := db.checkDatabaseExists(ctx, tx); err != nil {
				return err
			}
			return db.initDB(ctx, tx)
		})
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		str := fmt.Sprintf("unable to open connection to database: %v", err)
		return nil, contextError(ErrConnFailed, str, err)
	}
	db.db = pool
	db.log.Infof("Connected to protocol database %q at %s", o.dbName, o.host)
	return db, nil
}
