package layout

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadDiff reports a client diff that cannot be applied.
var ErrBadDiff = errors.New("layout: bad diff")

// Section is one entry of a diff. New sections carry bytes uploaded with
// this version; base sections point into the base version.
type Section struct {
	IsNew  bool
	Offset uint64
	Len    uint64
}

// MarshalJSON encodes a section in its wire form [isNew, offset, len].
func (s Section) MarshalJSON() ([]byte, error) {
	flag := 0
	if s.IsNew {
		flag = 1
	}
	return json.Marshal([3]uint64{uint64(flag), s.Offset, s.Len})
}

// UnmarshalJSON decodes the [isNew, offset, len] wire form.
func (s *Section) UnmarshalJSON(b []byte) error {
	var raw []uint64
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("%w: section: %v", ErrBadDiff, err)
	}
	if len(raw) != 3 || raw[0] > 1 {
		return fmt.Errorf("%w: section must be [0|1, offset, len]", ErrBadDiff)
	}
	*s = Section{IsNew: raw[0] == 1, Offset: raw[1], Len: raw[2]}
	return nil
}

// Diff describes a version as a sequence of base and new sections.
type Diff struct {
	BaseVersion uint64    `json:"baseVersion"`
	SegsSize    uint64    `json:"segsSize"`
	Sections    []Section `json:"sections"`
}

// ParseDiff decodes a diff from its JSON wire form. The result still has to
// be sanitized against the target version.
func ParseDiff(b []byte) (*Diff, error) {
	var d Diff
	if err := json.Unmarshal(b, &d); err != nil {
		if errors.Is(err, ErrBadDiff) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrBadDiff, err)
	}
	return &d, nil
}

// Sanitize checks the diff for use as version target.
func (d *Diff) Sanitize(target uint64) error {
	if d.BaseVersion == 0 {
		return fmt.Errorf("%w: missing base version", ErrBadDiff)
	}
	if d.BaseVersion >= target {
		return fmt.Errorf("%w: base version %d is not below %d", ErrBadDiff, d.BaseVersion, target)
	}
	var pos uint64
	for i, s := range d.Sections {
		if s.Len == 0 {
			return fmt.Errorf("%w: section %d has zero length", ErrBadDiff, i)
		}
		if s.IsNew && s.Offset != pos {
			return fmt.Errorf("%w: new section %d at %d, expected %d", ErrBadDiff, i, s.Offset, pos)
		}
		if s.Len > ^uint64(0)-pos {
			return fmt.Errorf("%w: section %d overflows", ErrBadDiff, i)
		}
		pos += s.Len
	}
	if pos != d.SegsSize {
		return fmt.Errorf("%w: sections add up to %d, segsSize is %d", ErrBadDiff, pos, d.SegsSize)
	}
	return nil
}

// NewBytesLen is the number of segment bytes uploaded with the diff.
func (d *Diff) NewBytesLen() uint64 {
	var n uint64
	for _, s := range d.Sections {
		if s.IsNew {
			n += s.Len
		}
	}
	return n
}

// Span is a byte range of a version's segment space.
type Span struct {
	Offset uint64
	Len    uint64
}

// NewBytesSpans maps n bytes, starting at packedOfs of the packed stream of
// new bytes, to ranges of this version. New bytes travel packed in section
// order.
func (d *Diff) NewBytesSpans(packedOfs, n uint64) ([]Span, error) {
	if n == 0 {
		return nil, nil
	}
	var spans []Span
	var packed, pos uint64
	for _, s := range d.Sections {
		if !s.IsNew {
			pos += s.Len
			continue
		}
		secEnd := packed + s.Len
		if packedOfs < secEnd && n > 0 {
			skip := uint64(0)
			if packedOfs > packed {
				skip = packedOfs - packed
			}
			take := min(s.Len-skip, n)
			spans = append(spans, Span{Offset: pos + skip, Len: take})
			packedOfs += take
			n -= take
		}
		packed = secEnd
		pos += s.Len
	}
	if n > 0 {
		return nil, fmt.Errorf("%w: %d bytes past the new sections", ErrBadDiff, n)
	}
	return spans, nil
}
