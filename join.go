package collscan

import (
	"context"

	"github.com/google/btree"
	"github.com/rs/zerolog"
)

// childRangeEnd closes the key range <parent>_... of has-many children:
// '`' is the byte following '_'.
const childRangeEnd = "`"

// auxBinding is one auxiliary collection read in lock-step with the primary.
type auxBinding struct {
	name   string
	field  string // has-many list field; empty for a secondary
	cursor *MergeCursor

	buf       *btree.BTreeG[Entry]
	watermark string
	fetched   bool
	depleted  bool
}

func (b *auxBinding) hasMany() bool {
	return b.field != ""
}

func lessEntryKey(a, b Entry) bool {
	return a.Key < b.Key
}

// JoinEngine enriches primary entries with data from auxiliary collections
// sharing the key space. Each auxiliary collection is read ahead in batches
// starting at the primary's position and buffered in key order until the
// primary cursor passes it.
type JoinEngine struct {
	bindings  []*auxBinding
	fetchSize int
	logger    *zerolog.Logger
}

// NewJoinEngine creates an engine reading fetchSize entries per auxiliary read.
func NewJoinEngine(fetchSize int, logger *zerolog.Logger) *JoinEngine {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &JoinEngine{fetchSize: max(fetchSize, 1), logger: logger}
}

// AddSecondary joins cursor on exact key.
func (j *JoinEngine) AddSecondary(cursor *MergeCursor) {
	j.bindings = append(j.bindings, &auxBinding{
		name:   cursor.Name(),
		cursor: cursor,
		buf:    btree.NewG(16, lessEntryKey),
	})
}

// AddHasMany gathers cursor's <primary>_<suffix> records into field.
func (j *JoinEngine) AddHasMany(cursor *MergeCursor, field string) {
	j.bindings = append(j.bindings, &auxBinding{
		name:   cursor.Name(),
		field:  field,
		cursor: cursor,
		buf:    btree.NewG(16, lessEntryKey),
	})
}

// Len returns the number of auxiliary bindings.
func (j *JoinEngine) Len() int {
	return len(j.bindings)
}

// Apply returns e joined with every auxiliary collection. The input entry
// is not modified. Keys passed to Apply must be ascending.
func (j *JoinEngine) Apply(ctx context.Context, e Entry) (Entry, error) {
	if len(j.bindings) == 0 {
		return e, nil
	}
	out := Entry{Key: e.Key, TS: e.TS, Fields: e.Fields.Clone()}
	for _, b := range j.bindings {
		if err := j.cover(ctx, b, e.Key); err != nil {
			return Entry{}, err
		}
		if b.hasMany() {
			j.applyHasMany(b, &out)
		} else {
			applySecondary(b, &out)
		}
		prune(b, e.Key)
	}
	return out, nil
}

// Reset clears read-ahead state and depletion flags.
func (j *JoinEngine) Reset() {
	for _, b := range j.bindings {
		b.buf.Clear(false)
		b.watermark = ""
		b.fetched = false
		b.depleted = false
		b.cursor.Reset()
	}
}

// Depleted reports whether the named auxiliary collection has been read to its end.
func (j *JoinEngine) Depleted(name string) bool {
	for _, b := range j.bindings {
		if b.name == name {
			return b.depleted
		}
	}
	return false
}

// cover reads ahead until the buffer holds everything b can contribute to key.
func (j *JoinEngine) cover(ctx context.Context, b *auxBinding, key string) error {
	bound := key
	if b.hasMany() {
		bound = key + childRangeEnd
	}
	for !b.depleted && (!b.fetched || b.watermark < bound) {
		w := Window{StartAfter: b.watermark}
		if !b.fetched || b.watermark < key {
			w = Window{Start: key}
		}
		entries, err := b.cursor.Get(ctx, w, j.fetchSize)
		if err != nil {
			return err
		}
		for _, e := range entries {
			b.buf.ReplaceOrInsert(e)
		}
		if len(entries) > 0 {
			b.watermark = entries[len(entries)-1].Key
			b.fetched = true
		}
		if len(entries) < j.fetchSize {
			b.depleted = true
			j.logger.Info().
				Str("collection", b.name).
				Str("watermark", b.watermark).
				Msg("auxiliary collection depleted")
		}
	}
	return nil
}

func applySecondary(b *auxBinding, out *Entry) {
	aux, ok := b.buf.Delete(Entry{Key: out.Key})
	if !ok {
		return
	}
	for k, v := range aux.Fields {
		out.Fields[k] = v
	}
	out.TS = max(out.TS, aux.TS)
}

func (j *JoinEngine) applyHasMany(b *auxBinding, out *Entry) {
	lo := Entry{Key: out.Key + "_"}
	hi := Entry{Key: out.Key + childRangeEnd}
	var children []Entry
	b.buf.AscendRange(lo, hi, func(e Entry) bool {
		children = append(children, e)
		return true
	})
	if len(children) == 0 {
		return
	}
	for _, c := range children {
		b.buf.Delete(c)
	}
	if _, exists := out.Fields[b.field]; exists {
		j.logger.Warn().
			Str("collection", b.name).
			Str("field", b.field).
			Str("key", out.Key).
			Msg("has-many field collides with an existing field, keeping existing value")
		return
	}
	list := make([]Record, len(children))
	for i, c := range children {
		r := c.Fields.Clone()
		r[MetaKey] = c.Key
		list[i] = r
		out.TS = max(out.TS, c.TS)
	}
	out.Fields[b.field] = list
}

// prune drops buffered entries below key; the primary has passed them.
func prune(b *auxBinding, key string) {
	for {
		head, ok := b.buf.Min()
		if !ok || head.Key >= key {
			return
		}
		b.buf.DeleteMin()
	}
}
