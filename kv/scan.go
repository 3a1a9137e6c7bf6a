package kv

import (
	"bytes"
	"context"
)

// iterator is the minimal ordered cursor every backend can provide.
// seek moves to the first key >= key. Both return a nil key at the end.
type iterator interface {
	seek(key []byte) (k, v []byte)
	next() (k, v []byte)
	err() error
}

type decodeFunc func(k, v []byte) (Entry, error)

func collect(ctx context.Context, it iterator, prefix string, opt ListOptions, decode decodeFunc) ([]Entry, error) {
	p := []byte(prefix)
	start := p
	if opt.StartAfter != "" && opt.StartAfter >= prefix {
		start = append([]byte(opt.StartAfter), 0)
	}
	delim := []byte(opt.Delimiter)

	var out []Entry
	k, v := it.seek(start)
	for k != nil && bytes.HasPrefix(k, p) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(delim) > 0 {
			if i := bytes.Index(k[len(p):], delim); i >= 0 {
				skip := append(append([]byte(nil), k[:len(p)+i]...), delim...)
				skip = prefixEnd(skip)
				if skip == nil {
					break
				}
				k, v = it.seek(skip)
				continue
			}
		}
		e, err := decode(k, v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if opt.Limit > 0 && len(out) >= opt.Limit {
			break
		}
		k, v = it.next()
	}
	if err := it.err(); err != nil {
		return nil, err
	}
	return out, nil
}

// prefixEnd returns the smallest key greater than every key starting with p,
// or nil if there is none (empty or all-0xFF prefix).
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
