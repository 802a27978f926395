/*
Package histdb stores the history of blockchain table rows and traces on top
of an ordered key-value store (Bolt, LevelDB or an in-memory B-tree) and
answers range queries over it as of any block.

We implement:

1. Tables, one per contract table delta type plus the built-in block_info,
transaction_trace and action_trace tables. Rows are ABI binary; the ABI
itself is stored alongside them.

2. Indices, declared in a QueryConfig, mapping field values to row versions.

3. Queries, named range lookups over an index, optionally capped at a block
and optionally joined with the latest version of a row of another table.

# Storage modes

**Append.** Every version of every row is kept, keyed by the block that
wrote it. A fork writes new versions for the replayed blocks and the old
ones are erased by block number.

**Overlay.** Only the latest version of each row is kept. Blocks above the
irreversible block carry undo records so a fork can roll them back.

# Technical Details

**Table key**:
1. 0x50.
2. Block number (uint32 big-endian).
3. Table short name (uint64 big-endian).
4. Present byte.
5. Primary key fields, order-preserving encoded.

Meta rows (fill status, ABI) live at block 0.

**Index key**:
1. 0x60.
2. Table short name, index short name.
3. Index fields, order-preserving encoded.
4. Inverted block number, inverted present byte, so that the newest version
sorts first.

**Overlay state key**: 0x70, table short name, primary key.

**Value**: value header, then row data, then index key records.

**Value header**:
1. Flags (uvarint).
2. Data size (uvarint).
3. Index size (uvarint).

**Index key records** list the keys contributed by the row, so that erasing
a version never has to decode it:
1. Number of entries (uvarint).
2. For each entry: key length (uvarint), key bytes.
*/
package histdb
