package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/odvcencio/gitcore/pkg/giterr"
)

// ---------------------------------------------------------------------------
// Blob
// ---------------------------------------------------------------------------

// MarshalBlob serializes a Blob to raw bytes (identity).
func MarshalBlob(b *Blob) []byte {
	out := make([]byte, len(b.Data))
	copy(out, b.Data)
	return out
}

// UnmarshalBlob deserializes raw bytes into a Blob.
func UnmarshalBlob(data []byte) (*Blob, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return &Blob{Data: out}, nil
}

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

// SortTreeEntries orders entries the way Git does: bytewise by name, with
// directory names compared as if they ended in '/'.
func SortTreeEntries(entries []TreeEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return treeSortKey(entries[i]) < treeSortKey(entries[j])
	})
}

func treeSortKey(e TreeEntry) string {
	if e.Mode.IsDir() {
		return e.Name + "/"
	}
	return e.Name
}

// MarshalTree serializes a Tree in canonical Git form. Entries are sorted
// first; each entry is
//
//	<octal mode> <name>\0<20 raw id bytes>
func MarshalTree(tr *Tree) []byte {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	SortTreeEntries(sorted)

	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Oid[:])
	}
	return buf.Bytes()
}

// UnmarshalTree parses a canonical tree payload.
func UnmarshalTree(data []byte) (*Tree, error) {
	tr := &Tree{}
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return nil, corrupt("unmarshal tree", "malformed entry mode")
		}
		mode, err := strconv.ParseUint(string(data[:sp]), 8, 32)
		if err != nil {
			return nil, giterr.Wrap(giterr.KindCorruption, "unmarshal tree", "", err)
		}
		data = data[sp+1:]

		nul := bytes.IndexByte(data, 0)
		if nul <= 0 {
			return nil, corrupt("unmarshal tree", "malformed entry name")
		}
		name := string(data[:nul])
		data = data[nul+1:]

		if len(data) < OidSize {
			return nil, corrupt("unmarshal tree", "truncated entry id")
		}
		var id Oid
		copy(id[:], data[:OidSize])
		data = data[OidSize:]

		tr.Entries = append(tr.Entries, TreeEntry{Name: name, Mode: FileMode(mode), Oid: id})
	}
	return tr, nil
}

// ---------------------------------------------------------------------------
// Signature
// ---------------------------------------------------------------------------

// String renders the signature as "Name <email> <unix> <+hhmm>".
func (s Signature) String() string {
	return string(appendSignature(nil, s))
}

func appendSignature(dst []byte, s Signature) []byte {
	dst = append(dst, s.Name...)
	dst = append(dst, " <"...)
	dst = append(dst, s.Email...)
	dst = append(dst, "> "...)
	dst = strconv.AppendInt(dst, s.When.Unix(), 10)
	dst = append(dst, ' ')
	dst = append(dst, formatTZ(s.When)...)
	return dst
}

func formatTZ(t time.Time) string {
	_, offset := t.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return fmt.Sprintf("%c%02d%02d", sign, offset/3600, (offset%3600)/60)
}

// ParseSignature parses "Name <email> <unix> <+hhmm>".
func ParseSignature(s string) (Signature, error) {
	lt := strings.IndexByte(s, '<')
	gt := strings.LastIndexByte(s, '>')
	if lt < 0 || gt < lt {
		return Signature{}, corrupt("parse signature", "missing email brackets in %q", s)
	}
	sig := Signature{
		Name:  strings.TrimSpace(s[:lt]),
		Email: s[lt+1 : gt],
	}
	rest := strings.Fields(s[gt+1:])
	if len(rest) == 0 {
		sig.When = time.Unix(0, 0).UTC()
		return sig, nil
	}
	unix, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return Signature{}, giterr.Wrap(giterr.KindCorruption, "parse signature", s, err)
	}
	loc := time.UTC
	if len(rest) > 1 {
		loc, err = parseTZ(rest[1])
		if err != nil {
			return Signature{}, err
		}
	}
	sig.When = time.Unix(unix, 0).In(loc)
	return sig, nil
}

func parseTZ(tz string) (*time.Location, error) {
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return nil, corrupt("parse signature", "bad timezone %q", tz)
	}
	hh, err1 := strconv.Atoi(tz[1:3])
	mm, err2 := strconv.Atoi(tz[3:5])
	if err1 != nil || err2 != nil {
		return nil, corrupt("parse signature", "bad timezone %q", tz)
	}
	offset := hh*3600 + mm*60
	if tz[0] == '-' {
		offset = -offset
	}
	if offset == 0 {
		return time.UTC, nil
	}
	return time.FixedZone("", offset), nil
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// MarshalCommit serializes a Commit:
//
//	tree H
//	parent H     (zero or more)
//	author S
//	committer S
//	encoding E   (optional)
//	<extra headers, verbatim>
//	gpgsig ...   (optional, continuation lines indented by one space)
//
//	message
func MarshalCommit(c *Commit) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	buf.WriteString("author ")
	buf.Write(appendSignature(nil, c.Author))
	buf.WriteString("\ncommitter ")
	buf.Write(appendSignature(nil, c.Committer))
	buf.WriteByte('\n')
	if c.Encoding != "" {
		fmt.Fprintf(&buf, "encoding %s\n", c.Encoding)
	}
	for _, h := range c.Extra {
		writeHeader(&buf, h.Key, h.Value)
	}
	if c.GPGSig != "" {
		writeHeader(&buf, "gpgsig", c.GPGSig)
	}
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes()
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte(' ')
	buf.WriteString(strings.ReplaceAll(strings.TrimSuffix(value, "\n"), "\n", "\n "))
	buf.WriteByte('\n')
}

type header struct {
	key, value string
}

// splitHeaders splits a commit or tag payload into its header lines
// (continuations folded back) and the message.
func splitHeaders(op string, data []byte) ([]header, string, error) {
	var headers []header
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			return nil, "", corrupt(op, "unterminated header")
		}
		line := string(data[:nl])
		data = data[nl+1:]
		if line == "" {
			return headers, string(data), nil
		}
		if line[0] == ' ' {
			if len(headers) == 0 {
				return nil, "", corrupt(op, "continuation before first header")
			}
			last := &headers[len(headers)-1]
			last.value += "\n" + line[1:]
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, "", corrupt(op, "malformed header line %q", line)
		}
		headers = append(headers, header{key: key, value: val})
	}
	return headers, "", nil
}

// UnmarshalCommit parses a canonical commit payload.
func UnmarshalCommit(data []byte) (*Commit, error) {
	const op = "unmarshal commit"
	headers, message, err := splitHeaders(op, data)
	if err != nil {
		return nil, err
	}

	c := &Commit{Message: message}
	seenTree := false
	for _, h := range headers {
		switch h.key {
		case "tree":
			id, err := ParseOid(h.value)
			if err != nil {
				return nil, giterr.Wrap(giterr.KindCorruption, op, "", err)
			}
			c.Tree = id
			seenTree = true
		case "parent":
			id, err := ParseOid(h.value)
			if err != nil {
				return nil, giterr.Wrap(giterr.KindCorruption, op, "", err)
			}
			c.Parents = append(c.Parents, id)
		case "author":
			if c.Author, err = ParseSignature(h.value); err != nil {
				return nil, err
			}
		case "committer":
			if c.Committer, err = ParseSignature(h.value); err != nil {
				return nil, err
			}
		case "encoding":
			c.Encoding = h.value
		case "gpgsig":
			c.GPGSig = h.value
		default:
			c.Extra = append(c.Extra, ExtraHeader{Key: h.key, Value: h.value})
		}
	}
	if !seenTree {
		return nil, corrupt(op, "missing tree header")
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

// MarshalTag serializes an annotated Tag:
//
//	object H
//	type T
//	tag N
//	tagger S   (optional)
//
//	message
func MarshalTag(t *Tag) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Target)
	fmt.Fprintf(&buf, "type %s\n", t.TargetType)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	if t.Tagger != nil {
		buf.WriteString("tagger ")
		buf.Write(appendSignature(nil, *t.Tagger))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes()
}

// UnmarshalTag parses a canonical tag payload.
func UnmarshalTag(data []byte) (*Tag, error) {
	const op = "unmarshal tag"
	headers, message, err := splitHeaders(op, data)
	if err != nil {
		return nil, err
	}

	t := &Tag{Message: message}
	for _, h := range headers {
		switch h.key {
		case "object":
			id, err := ParseOid(h.value)
			if err != nil {
				return nil, giterr.Wrap(giterr.KindCorruption, op, "", err)
			}
			t.Target = id
		case "type":
			typ, err := ParseObjectType(h.value)
			if err != nil {
				return nil, giterr.Wrap(giterr.KindCorruption, op, "", err)
			}
			t.TargetType = typ
		case "tag":
			t.Name = h.value
		case "tagger":
			sig, err := ParseSignature(h.value)
			if err != nil {
				return nil, err
			}
			t.Tagger = &sig
		}
	}
	if t.Target.IsZero() || !t.TargetType.Valid() {
		return nil, corrupt(op, "missing object or type header")
	}
	return t, nil
}

func corrupt(op, format string, args ...any) error {
	return giterr.New(giterr.KindCorruption, op, "", format, args...)
}
