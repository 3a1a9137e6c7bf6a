/*
Package kvrepo implements tenant-scoped repositories of records on top of an
ordered key-value store with optimistic concurrency (see package kv).

We implement:

1. Collections of records, either structs with a string `json:"id"` field or
schemaless Documents, stored as MsgPack.

2. Secondary indexes, optionally unique, maintained atomically with the
records they describe.

3. A query engine with cursor pagination, filters, ranges, free-text search
and population of related records.

4. A Result-returning repository facade with a typed error taxonomy.

# Technical Details

**Key layout.**
All data of a tenant lives under tenants/{tenant}/. A record is stored at
tenants/{tenant}/{collection}/{id}, each of its index entries at
tenants/{tenant}/{collection}/by_{index}/{value}/{id}. Tenants, ids and index
values are escaped so that they never contain a raw '/'.

**Write pipeline.**
Saves pass through a validating stage and an indexing stage. The indexing
stage reads the current record, diffs old and new index entries and commits
record, entries and unique guards in one conditional batch. A concurrent
change to the record fails the batch, and the write is retried with
backoff until it succeeds or the retry policy gives up with CONFLICT.

**Stored values.**
A stored value is a small header (format, schema version, sizes) followed by
the encoded record and the list of index entries written for it, so that
updates and deletes remove exactly those entries even after index
definitions change.

**Versions.**
Versions come from an engine-wide commit sequence and never repeat, even
when a record is deleted and recreated.
*/
package kvrepo
