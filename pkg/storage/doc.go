/*
Package storage provides the durable record store used by the burrow worker.

Records are JSON documents addressed by a path-like namespace. The session
lives under "authentication" and every tracked job under
"processing/<id>/<id>". The set of job namespaces is the source of truth for
which jobs are still in flight: the engine lists them by prefix instead of
asking the coordination server.

# Implementations

BoltStore keeps all records in a single "records" bucket of
<data_dir>/burrow.db. Namespaces are the keys, so a prefix listing is a
cursor Seek followed by Next until the prefix no longer matches. Reads run in
db.View, writes in db.Update, and a partial Set reads, merges and writes
within one transaction.

MemoryStore is the same contract over a map guarded by a RWMutex. Tests
substitute it wherever a RecordStore is injected.

# Partial Updates

Set overlays the top-level JSON fields of the given value on the stored
object, mirroring how job state is filled in step by step:

	store.Set("processing/J1/J1", map[string]any{"container_id": id})

Put replaces the whole record. Neither implementation locks across
processes beyond what BoltDB's file lock provides; a single worker per data
directory is assumed.

Corrupt records surface as fault.KindValidation errors keyed
storage/CORRUPT_RECORD.
*/
package storage
