// Package checkpoint implements full-database snapshot serialization and
// the log-rotation/recovery state machine (spec.md §4.6): periodic
// snapshots bound WAL replay time, and paired snapshot+log files let a
// crashed process reconstruct exact pre-crash state on restart.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/dborchard/kvt/catalog"
	"github.com/dborchard/kvt/kverrors"
	"github.com/dborchard/kvt/storage"
)

// WriteSnapshot serializes snap and nextTxID to path in spec.md §3's
// binary layout: header {num_tables, next_table_id, next_tx_id} then,
// per table, {name_len, name, id, partition_method_len, partition_method,
// num_entries, [key_len, key, data_len, data, metadata]*}. All integers
// are little-endian; lengths are u64, entry metadata is i32.
func WriteSnapshot(path string, snap catalog.Snapshot, nextTxID uint64) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return kverrors.Wrap(kverrors.UnknownError, err, "create snapshot %q", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := bufio.NewWriter(f)
	if err = writeU64(w, uint64(len(snap.Tables))); err != nil {
		return err
	}
	if err = writeU64(w, snap.NextTableID); err != nil {
		return err
	}
	if err = writeU64(w, nextTxID); err != nil {
		return err
	}

	for _, tbl := range snap.Tables {
		if err = writeField(w, []byte(tbl.Name)); err != nil {
			return err
		}
		if err = writeU64(w, tbl.ID); err != nil {
			return err
		}
		if err = writeField(w, []byte(tbl.PartitionMethod)); err != nil {
			return err
		}

		var entries []storage.ScanResult
		tbl.Data.All(func(key []byte, entry storage.Entry) bool {
			entries = append(entries, storage.ScanResult{Key: key, Entry: entry})
			return true
		})
		if err = writeU64(w, uint64(len(entries))); err != nil {
			return err
		}
		for _, e := range entries {
			if err = writeField(w, e.Key); err != nil {
				return err
			}
			if err = writeField(w, e.Entry.Data); err != nil {
				return err
			}
			if err = writeI32(w, e.Entry.Metadata); err != nil {
				return err
			}
		}
	}

	if err = w.Flush(); err != nil {
		return kverrors.Wrap(kverrors.UnknownError, err, "flush snapshot %q", path)
	}
	return f.Sync()
}

// ReadSnapshot deserializes the snapshot at path, returning the catalog's
// next-table-id counter, the transaction manager's next-tx-id counter,
// and the reconstructed tables (each with a freshly populated
// storage.Table).
func ReadSnapshot(path string) (nextTableID, nextTxID uint64, tables []*catalog.Table, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, nil, kverrors.Wrap(kverrors.UnknownError, err, "open snapshot %q", path)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	numTables, err := readU64(r)
	if err != nil {
		return 0, 0, nil, corruptErr(path, err)
	}
	nextTableID, err = readU64(r)
	if err != nil {
		return 0, 0, nil, corruptErr(path, err)
	}
	nextTxID, err = readU64(r)
	if err != nil {
		return 0, 0, nil, corruptErr(path, err)
	}

	tables = make([]*catalog.Table, 0, numTables)
	for i := uint64(0); i < numTables; i++ {
		nameBytes, err := readField(r)
		if err != nil {
			return 0, 0, nil, corruptErr(path, err)
		}
		id, err := readU64(r)
		if err != nil {
			return 0, 0, nil, corruptErr(path, err)
		}
		partitionBytes, err := readField(r)
		if err != nil {
			return 0, 0, nil, corruptErr(path, err)
		}
		numEntries, err := readU64(r)
		if err != nil {
			return 0, 0, nil, corruptErr(path, err)
		}

		data := storage.NewTable()
		for j := uint64(0); j < numEntries; j++ {
			key, err := readField(r)
			if err != nil {
				return 0, 0, nil, corruptErr(path, err)
			}
			value, err := readField(r)
			if err != nil {
				return 0, 0, nil, corruptErr(path, err)
			}
			metadata, err := readI32(r)
			if err != nil {
				return 0, 0, nil, corruptErr(path, err)
			}
			data.Set(key, storage.Entry{Data: value, Metadata: metadata})
		}

		tables = append(tables, &catalog.Table{
			ID:              id,
			Name:            string(nameBytes),
			PartitionMethod: catalog.PartitionMethod(partitionBytes),
			Data:            data,
		})
	}

	return nextTableID, nextTxID, tables, nil
}

func corruptErr(path string, cause error) error {
	return kverrors.Wrap(kverrors.UnknownError, cause, "corrupt snapshot %q", path)
}

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeI32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func writeField(w io.Writer, field []byte) error {
	if err := writeU64(w, uint64(len(field))); err != nil {
		return err
	}
	_, err := w.Write(field)
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func readI32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func readField(r io.Reader) ([]byte, error) {
	n, err := readU64(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
