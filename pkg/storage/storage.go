package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/vjranagit/tmarchive/pkg/errs"
	"github.com/vjranagit/tmarchive/pkg/log"
	"github.com/vjranagit/tmarchive/pkg/query"
	"github.com/vjranagit/tmarchive/pkg/types"
)

// Storage is an archive of time-ordered records grouped in tables, per
// tenant.
type Storage interface {
	// Write appends records to one table. Records without a sequence
	// number get the next one of the table. The stored records are
	// returned in request order.
	Write(ctx context.Context, req *types.WriteRequest) ([]types.Record, error)

	// Table returns the ordered-scan source of one table
	Table(tenantID, table string) *Table

	// Tenants lists every tenant holding data
	Tenants() []string

	// Tables lists the tables of a tenant
	Tables(tenantID string) []string

	// HasTable reports whether the tenant ever wrote to table
	HasTable(tenantID, table string) bool

	// Names lists the distinct record names of a table
	Names(tenantID, table string) []string

	// Close closes the storage
	Close() error
}

// Config holds storage configuration
type Config struct {
	Path             string
	InMemory         bool
	RetentionDays    int
	Compression      string
	CompressionLevel int
	EnableWAL        bool
	BatchSize        int
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    30,
		Compression:      "zstd",
		CompressionLevel: 3,
		EnableWAL:        true,
		BatchSize:        1000,
	}
}

// AppendHook observes records after they are durably stored
type AppendHook func(tenantID, table string, records []types.Record)

// Option configures a storage instance
type Option func(*badgerStorage)

// WithAppendHook registers fn to run after every successful write
func WithAppendHook(fn AppendHook) Option {
	return func(s *badgerStorage) {
		s.hooks = append(s.hooks, fn)
	}
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidTable reports whether name is an acceptable table name
func ValidTable(name string) bool {
	return tableName.MatchString(name)
}

// Key prefixes. Records sort by (tenant, table, time, seq) so a table is
// one contiguous, time-ordered key range.
const (
	prefixRecord   = 'r'
	prefixTable    = 't'
	prefixName     = 'n'
	prefixSequence = 's'
)

// seqBandwidth is how many sequence numbers are leased per badger round trip
const seqBandwidth = 1000

// storedValue is the CBOR envelope of a record; time, seq and source live
// in the key.
type storedValue struct {
	Name  string `cbor:"1,keyasint,omitempty"`
	Type  string `cbor:"2,keyasint,omitempty"`
	Codec Codec  `cbor:"3,keyasint,omitempty"`
	Body  []byte `cbor:"4,keyasint,omitempty"`
}

var valueEncMode cbor.EncMode

func init() {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("storage: failed to create CBOR encoder: %v", err))
	}
	valueEncMode = em
}

// badgerStorage implements Storage using BadgerDB
type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	ttl        time.Duration
	hooks      []AppendHook

	mu        sync.Mutex
	sequences map[string]*badger.Sequence
}

// NewStorage creates a new storage instance
func NewStorage(cfg *Config, opts ...Option) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	codec, err := ParseCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	bopts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = log.BadgerLogger{}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(codec, cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		sequences:  make(map[string]*badger.Sequence),
	}
	if cfg.RetentionDays > 0 {
		s.ttl = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.loadIndex(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	return s, nil
}

// loadIndex rebuilds the in-memory index from table and name keys
func (s *badgerStorage) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		for _, p := range []byte{prefixTable, prefixName} {
			opts.Prefix = []byte{p}
			it := txn.NewIterator(opts)
			for it.Rewind(); it.Valid(); it.Next() {
				parts := bytes.SplitN(it.Item().Key()[1:], []byte{0}, 3)
				switch {
				case p == prefixTable && len(parts) == 2:
					s.index.AddTable(string(parts[0]), string(parts[1]))
				case p == prefixName && len(parts) == 3:
					s.index.AddName(string(parts[0]), string(parts[1]), string(parts[2]))
				}
			}
			it.Close()
		}
		return nil
	})
}

// Write implements Storage.Write
func (s *badgerStorage) Write(ctx context.Context, req *types.WriteRequest) ([]types.Record, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, nil
	}

	seq, err := s.sequence(req.TenantID, req.Table)
	if err != nil {
		return nil, err
	}

	prefix := recordPrefix(req.TenantID, req.Table)
	stored := make([]types.Record, len(req.Records))
	names := make(map[string]struct{})

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for i, r := range req.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.Source = req.Table
		r.Time = r.Time.UTC()
		if r.Seq == 0 {
			n, err := seq.Next()
			if err != nil {
				return nil, fmt.Errorf("failed to assign sequence number: %w", err)
			}
			// Badger sequences start at 0; 0 means "unassigned" on the wire.
			r.Seq = n + 1
		}

		val, err := s.encodeValue(r)
		if err != nil {
			return nil, err
		}
		e := badger.NewEntry(recordKey(prefix, r.Time, r.Seq), val)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return nil, fmt.Errorf("failed to stage record: %w", err)
		}

		if r.Name != "" {
			names[r.Name] = struct{}{}
		}
		stored[i] = r
	}

	if !s.index.HasTable(req.TenantID, req.Table) {
		if err := wb.Set(metaKey(prefixTable, req.TenantID, req.Table), nil); err != nil {
			return nil, fmt.Errorf("failed to stage table: %w", err)
		}
	}
	for name := range names {
		if err := wb.Set(metaKey(prefixName, req.TenantID, req.Table, name), nil); err != nil {
			return nil, fmt.Errorf("failed to stage name: %w", err)
		}
	}

	if err := wb.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write records: %w", err)
	}

	s.index.AddTable(req.TenantID, req.Table)
	for name := range names {
		s.index.AddName(req.TenantID, req.Table, name)
	}

	for _, hook := range s.hooks {
		hook(req.TenantID, req.Table, stored)
	}
	return stored, nil
}

// Validate checks a write request without touching the store
func Validate(req *types.WriteRequest) error {
	if req.TenantID == "" || strings.IndexByte(req.TenantID, 0) >= 0 {
		return errs.InvalidArgument("invalid tenant %q", req.TenantID)
	}
	if !ValidTable(req.Table) {
		return errs.InvalidArgument("invalid table name %q", req.Table)
	}
	for i, r := range req.Records {
		if r.Time.IsZero() {
			return errs.InvalidArgument("record %d has no time", i)
		}
		if !types.ValidTime(r.Time) {
			return errs.InvalidArgument("record %d time %s outside [%s, %s]",
				i, r.Time.Format(time.RFC3339), types.MinTime.Format(time.RFC3339), types.MaxTime.Format(time.RFC3339))
		}
	}
	return nil
}

// sequence returns the sequence allocator of a table
func (s *badgerStorage) sequence(tenant, table string) (*badger.Sequence, error) {
	key := string(metaKey(prefixSequence, tenant, table))

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq, ok := s.sequences[key]; ok {
		return seq, nil
	}
	seq, err := s.db.GetSequence([]byte(key), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("failed to open sequence: %w", err)
	}
	s.sequences[key] = seq
	return seq, nil
}

func (s *badgerStorage) encodeValue(r types.Record) ([]byte, error) {
	codec, body, err := s.compressor.Compress(r.Body)
	if err != nil {
		return nil, err
	}
	val, err := valueEncMode.Marshal(storedValue{Name: r.Name, Type: r.Type, Codec: codec, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return val, nil
}

func (s *badgerStorage) decodeValue(val []byte, r *types.Record) error {
	var sv storedValue
	if err := cbor.Unmarshal(val, &sv); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	body, err := s.compressor.Decompress(sv.Codec, sv.Body)
	if err != nil {
		return err
	}
	r.Name = sv.Name
	r.Type = sv.Type
	if len(body) > 0 {
		r.Body = json.RawMessage(body)
	}
	return nil
}

// Table implements Storage.Table
func (s *badgerStorage) Table(tenantID, table string) *Table {
	return &Table{s: s, name: table, prefix: recordPrefix(tenantID, table)}
}

// Tenants implements Storage.Tenants
func (s *badgerStorage) Tenants() []string {
	return s.index.Tenants()
}

// Tables implements Storage.Tables
func (s *badgerStorage) Tables(tenantID string) []string {
	return s.index.Tables(tenantID)
}

// HasTable implements Storage.HasTable
func (s *badgerStorage) HasTable(tenantID, table string) bool {
	return s.index.HasTable(tenantID, table)
}

// Names implements Storage.Names
func (s *badgerStorage) Names(tenantID, table string) []string {
	return s.index.Names(tenantID, table)
}

// Close implements Storage.Close
func (s *badgerStorage) Close() error {
	s.mu.Lock()
	for key, seq := range s.sequences {
		if err := seq.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release sequence")
		}
		delete(s.sequences, key)
	}
	s.mu.Unlock()

	s.compressor.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Table scans the records of one table in key order
type Table struct {
	s      *badgerStorage
	name   string
	prefix []byte
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Scan calls fn for every record admitted by d, in d's direction, until fn
// returns false or the range is exhausted. The iterator is positioned at
// the later of the range start and the cursor, so resuming costs a seek.
func (t *Table) Scan(ctx context.Context, d *query.Descriptor, fn func(types.Record) bool) error {
	return t.s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = t.prefix
		opts.Reverse = d.Direction == query.Descending
		if d.Limit != query.Unbounded && d.Limit < opts.PrefetchSize {
			opts.PrefetchSize = d.Limit + 1
		}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(t.seekKey(d)); it.ValidForPrefix(t.prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			ts, seq, ok := decodeRecordKey(item.Key()[len(t.prefix):])
			if !ok {
				return fmt.Errorf("corrupt record key %x", item.Key())
			}
			if d.Direction == query.Ascending && !d.Stop.IsZero() && !ts.Before(d.Stop) {
				break
			}
			if d.Direction == query.Descending && !d.Start.IsZero() && ts.Before(d.Start) {
				break
			}

			r := types.Record{Source: t.name, Time: ts, Seq: seq}
			if err := item.Value(func(val []byte) error {
				return t.s.decodeValue(val, &r)
			}); err != nil {
				return err
			}

			if !d.Admit(r) {
				continue
			}
			if !fn(r) {
				return nil
			}
		}
		return nil
	})
}

// seekKey is the first key the scan may visit
func (t *Table) seekKey(d *query.Descriptor) []byte {
	if d.Direction == query.Ascending {
		key := t.prefix
		if !d.Start.IsZero() {
			key = appendTime(clone(t.prefix), d.Start)
		}
		if d.Cursor != nil {
			if c := recordKey(t.prefix, d.Cursor.Time, d.Cursor.Seq); bytes.Compare(c, key) > 0 {
				key = c
			}
		}
		return key
	}

	key := append(clone(t.prefix), bytes.Repeat([]byte{0xff}, 16)...)
	if !d.Stop.IsZero() {
		key = appendTime(clone(t.prefix), d.Stop)
	}
	if d.Cursor != nil {
		if c := recordKey(t.prefix, d.Cursor.Time, d.Cursor.Seq); bytes.Compare(c, key) < 0 {
			key = c
		}
	}
	return key
}

func recordPrefix(tenant, table string) []byte {
	return metaKey(prefixRecord, tenant, table, "")
}

func metaKey(prefix byte, parts ...string) []byte {
	key := []byte{prefix}
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0)
		}
		key = append(key, p...)
	}
	return key
}

func recordKey(prefix []byte, ts time.Time, seq uint64) []byte {
	key := appendTime(clone(prefix), ts)
	return binary.BigEndian.AppendUint64(key, seq)
}

// appendTime encodes ts so that byte order matches time order, including
// before the epoch. ts must satisfy types.ValidTime.
func appendTime(key []byte, ts time.Time) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(ts.UnixNano())^(1<<63))
}

func decodeRecordKey(k []byte) (time.Time, uint64, bool) {
	if len(k) != 16 {
		return time.Time{}, 0, false
	}
	ns := int64(binary.BigEndian.Uint64(k[:8]) ^ (1 << 63))
	return time.Unix(0, ns).UTC(), binary.BigEndian.Uint64(k[8:]), true
}

func clone(b []byte) []byte {
	return append(make([]byte, 0, len(b)+16), b...)
}
