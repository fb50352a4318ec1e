package storage

import (
	"encoding/json"
	"strings"

	"github.com/cuemby/burrow/pkg/fault"
)

// RecordStore is the durable per-namespace JSON persistence used for the
// session and for every tracked job. Namespaces are path-like strings such
// as "authentication" or "processing/<id>/<id>".
type RecordStore interface {
	// Get decodes the record at namespace into v. It reports false when no
	// record exists, leaving v untouched.
	Get(namespace string, v any) (bool, error)

	// Set merges the top-level JSON fields of partial into the record at
	// namespace, creating it when absent.
	Set(namespace string, partial any) error

	// Put replaces the record at namespace.
	Put(namespace string, v any) error

	// Delete removes the record at namespace. Deleting a missing record is not an error.
	Delete(namespace string) error

	// List returns every namespace starting with prefix, in key order.
	List(prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

// Namespace joins path segments into a record namespace
func Namespace(parts ...string) string {
	return strings.Join(parts, "/")
}

// merge overlays the top-level fields of partial on the existing JSON object
func merge(existing []byte, partial any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &fields); err != nil {
			return nil, fault.Wrap(fault.KindValidation, "storage/CORRUPT_RECORD", err, "Stored record is not a JSON object.")
		}
	}

	data, err := json.Marshal(partial)
	if err != nil {
		return nil, err
	}

	update := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "storage/INVALID_RECORD", err, "Partial record must encode to a JSON object.")
	}

	for k, v := range update {
		fields[k] = v
	}

	return json.Marshal(fields)
}

func decode(namespace string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fault.Wrap(fault.KindValidation, "storage/CORRUPT_RECORD", err, "Unable to decode record "+namespace+".")
	}
	return nil
}
